package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Peer is a receiver found by scan-network.
type Peer struct {
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// Interface is a network interface reported by list-interfaces.
type Interface struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}

// ErrNoJSON means the output held no JSON array.
var ErrNoJSON = errors.New("no JSON array in worker output")

// ParsePeers extracts the first JSON array of peers embedded in out. Human
// readable text around the array is ignored.
func ParsePeers(out []byte) ([]Peer, error) {
	var peers []Peer
	if err := firstArray(out, &peers); err != nil {
		return nil, err
	}
	valid := peers[:0]
	for _, p := range peers {
		if p.IP != "" {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

// ParseInterfaces accepts an array of names or of interface objects. A JSON
// object with an "error" field is reported as an error.
func ParseInterfaces(out []byte) ([]Interface, error) {
	if msg := errorObject(out); msg != "" {
		return nil, fmt.Errorf("list interfaces: %s", msg)
	}
	var raw []json.RawMessage
	if err := firstArray(out, &raw); err != nil {
		return nil, err
	}
	ifaces := make([]Interface, 0, len(raw))
	for _, r := range raw {
		var name string
		if err := json.Unmarshal(r, &name); err == nil {
			if name != "" {
				ifaces = append(ifaces, Interface{Name: name})
			}
			continue
		}
		var obj struct {
			Interface
			IPs []string `json:"ips"`
		}
		if err := json.Unmarshal(r, &obj); err != nil || obj.Name == "" {
			continue
		}
		if len(obj.Addresses) == 0 {
			obj.Addresses = obj.IPs
		}
		ifaces = append(ifaces, obj.Interface)
	}
	return ifaces, nil
}

// firstArray decodes the first position in out where a '[' starts a valid
// JSON array of the requested shape.
func firstArray(out []byte, v any) error {
	for off := 0; off < len(out); {
		i := bytes.IndexByte(out[off:], '[')
		if i < 0 {
			break
		}
		start := off + i
		dec := json.NewDecoder(bytes.NewReader(out[start:]))
		if err := dec.Decode(v); err == nil {
			return nil
		}
		off = start + 1
	}
	return ErrNoJSON
}

func errorObject(out []byte) string {
	b := bytes.TrimSpace(out)
	if len(b) == 0 || b[0] != '{' {
		return ""
	}
	var e struct {
		Error string `json:"error"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return ""
	}
	return e.Error
}
