package worker

import (
	"errors"
	"reflect"
	"testing"
)

func TestSendArgs(t *testing.T) {
	r := SendRequest{Files: []string{"/tmp/a.bin", "/tmp/b.bin"}}
	r.Defaults()
	r.Sniff = true
	r.Interface = "eth0"
	r.Delay = 0.05
	r.ChunkSize = 8192
	want := []string{"send-file", "/tmp/a.bin", "/tmp/b.bin",
		"--ip", "127.0.0.1", "--port", "8080", "--protocol", "tcp",
		"--sniff", "--interface", "eth0", "--delay", "0.05", "--chunk-size", "8192"}
	if got := r.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("args\n got %v\nwant %v", got, want)
	}
	if err := Validate(r); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestServerAndProxyArgs(t *testing.T) {
	s := ServerRequest{Protocol: UDP}
	s.Defaults("/data/received_files")
	want := []string{"start-server", "--port", "8080", "--protocol", "udp", "--save-dir", "/data/received_files"}
	if got := s.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("server args %v", got)
	}

	p := ProxyRequest{CorruptionRate: 0.25, Protocol: TCP}
	p.Defaults()
	want = []string{"start-proxy", "--listen-port", "8081", "--target-ip", "127.0.0.1",
		"--target-port", "8080", "--corruption-rate", "0.25", "--protocol", "tcp"}
	if got := p.Args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("proxy args %v", got)
	}
	if err := Validate(p); err != nil {
		t.Fatalf("valid proxy rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []any{
		SendRequest{IP: "127.0.0.1", Port: 8080, Protocol: TCP},
		SendRequest{Files: []string{""}, IP: "127.0.0.1", Port: 8080, Protocol: TCP},
		SendRequest{Files: []string{"a"}, IP: "127.0.0.1", Port: 70000, Protocol: TCP},
		SendRequest{Files: []string{"a"}, IP: "127.0.0.1", Port: 8080, Protocol: "sctp"},
		SendRequest{Files: []string{"a"}, IP: "not a host!", Port: 8080, Protocol: TCP},
		ServerRequest{Port: 8080, Protocol: TCP},
		ProxyRequest{ListenPort: 8081, TargetIP: "10.0.0.1", TargetPort: 8080, CorruptionRate: 1.5},
	}
	for i, c := range cases {
		if err := Validate(c); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, c)
		}
	}
}

func TestParsePeersEmbedded(t *testing.T) {
	peers, err := ParsePeers([]byte(`noise[{"ip":"10.0.0.5","port":9000}]trailing`))
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0] != (Peer{IP: "10.0.0.5", Port: 9000}) {
		t.Fatalf("unexpected peers %+v", peers)
	}
}

func TestParsePeersSkipsBracketNoise(t *testing.T) {
	out := "[INFO] Sent Discovery PING...\n" +
		`[{"hostname":"lab-2","ip":"192.168.1.20","port":8080},{"hostname":"x"}]` + "\n" +
		"Discovered Peers\n"
	peers, err := ParsePeers([]byte(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Hostname != "lab-2" || peers[0].IP != "192.168.1.20" {
		t.Fatalf("unexpected peers %+v", peers)
	}

	empty, err := ParsePeers([]byte("[]\nNo peers found.\n"))
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty scan: %v %v", empty, err)
	}
	if _, err := ParsePeers([]byte("no json here")); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("want ErrNoJSON, got %v", err)
	}
}

func TestParseInterfaces(t *testing.T) {
	ifaces, err := ParseInterfaces([]byte(`["lo","eth0",""]` + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ifaces) != 2 || ifaces[1].Name != "eth0" {
		t.Fatalf("unexpected interfaces %+v", ifaces)
	}

	ifaces, err = ParseInterfaces([]byte(`[{"name":"en0","description":"Wi-Fi","ips":["192.168.1.3"]},{"description":"nameless"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(ifaces) != 1 || ifaces[0].Description != "Wi-Fi" || ifaces[0].Addresses[0] != "192.168.1.3" {
		t.Fatalf("unexpected interfaces %+v", ifaces)
	}

	if _, err := ParseInterfaces([]byte(`{"error":"scapy not installed"}`)); err == nil {
		t.Fatal("error object should be reported")
	}
}
