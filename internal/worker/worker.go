// Package worker builds the command lines understood by the external worker
// and parses the answers of its one-shot commands.
package worker

import (
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Subcommands of the worker executable.
const (
	CmdStartServer    = "start-server"
	CmdSendFile       = "send-file"
	CmdStartProxy     = "start-proxy"
	CmdScanNetwork    = "scan-network"
	CmdListInterfaces = "list-interfaces"
)

const (
	DefaultHost       = "127.0.0.1"
	DefaultServerPort = 8080
	DefaultProxyPort  = 8081
	DefaultChunkSize  = 4096
)

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// SendRequest sends one batch of files to a receiver.
type SendRequest struct {
	Files     []string `json:"files" mapstructure:"files" binding:"required,min=1,dive,required"`
	IP        string   `json:"ip" mapstructure:"ip" binding:"required,ip|hostname"`
	Port      int      `json:"port" mapstructure:"port" binding:"required,min=1,max=65535"`
	Protocol  Protocol `json:"protocol" mapstructure:"protocol" binding:"required,oneof=tcp udp"`
	Sniff     bool     `json:"sniff,omitempty" mapstructure:"sniff"`
	Interface string   `json:"interface,omitempty" mapstructure:"interface"`
	Delay     float64  `json:"delay,omitempty" mapstructure:"delay" binding:"min=0"`
	ChunkSize int      `json:"chunk_size,omitempty" mapstructure:"chunk_size" binding:"omitempty,min=1,max=16777216"`
}

// ServerRequest starts a receiver.
type ServerRequest struct {
	Port      int      `json:"port" mapstructure:"port" binding:"required,min=1,max=65535"`
	Protocol  Protocol `json:"protocol" mapstructure:"protocol" binding:"required,oneof=tcp udp"`
	SaveDir   string   `json:"save_dir" mapstructure:"save_dir" binding:"required"`
	Sniff     bool     `json:"sniff,omitempty" mapstructure:"sniff"`
	Interface string   `json:"interface,omitempty" mapstructure:"interface"`
}

// ProxyRequest starts a corrupting man-in-the-middle proxy.
type ProxyRequest struct {
	ListenPort     int      `json:"listen_port" mapstructure:"listen_port" binding:"required,min=1,max=65535"`
	TargetIP       string   `json:"target_ip" mapstructure:"target_ip" binding:"required,ip|hostname"`
	TargetPort     int      `json:"target_port" mapstructure:"target_port" binding:"required,min=1,max=65535"`
	CorruptionRate float64  `json:"corruption_rate" mapstructure:"corruption_rate" binding:"min=0,max=1"`
	Interface      string   `json:"interface,omitempty" mapstructure:"interface"`
	Protocol       Protocol `json:"protocol,omitempty" mapstructure:"protocol" binding:"omitempty,oneof=tcp udp"`
}

// Defaults fills unset fields.
func (r *SendRequest) Defaults() {
	if r.IP == "" {
		r.IP = DefaultHost
	}
	if r.Port == 0 {
		r.Port = DefaultServerPort
	}
	if r.Protocol == "" {
		r.Protocol = TCP
	}
}

func (r *ServerRequest) Defaults(saveDir string) {
	if r.Port == 0 {
		r.Port = DefaultServerPort
	}
	if r.Protocol == "" {
		r.Protocol = TCP
	}
	if r.SaveDir == "" {
		r.SaveDir = saveDir
	}
}

func (r *ProxyRequest) Defaults() {
	if r.ListenPort == 0 {
		r.ListenPort = DefaultProxyPort
	}
	if r.TargetIP == "" {
		r.TargetIP = DefaultHost
	}
	if r.TargetPort == 0 {
		r.TargetPort = DefaultServerPort
	}
}

func (r SendRequest) Args() []string {
	args := append([]string{CmdSendFile}, r.Files...)
	args = append(args,
		"--ip", r.IP,
		"--port", strconv.Itoa(r.Port),
		"--protocol", string(r.Protocol),
	)
	args = sniffArgs(args, r.Sniff, r.Interface)
	if r.Delay > 0 {
		args = append(args, "--delay", strconv.FormatFloat(r.Delay, 'f', -1, 64))
	}
	if r.ChunkSize > 0 {
		args = append(args, "--chunk-size", strconv.Itoa(r.ChunkSize))
	}
	return args
}

func (r ServerRequest) Args() []string {
	args := []string{CmdStartServer,
		"--port", strconv.Itoa(r.Port),
		"--protocol", string(r.Protocol),
		"--save-dir", r.SaveDir,
	}
	return sniffArgs(args, r.Sniff, r.Interface)
}

func (r ProxyRequest) Args() []string {
	args := []string{CmdStartProxy,
		"--listen-port", strconv.Itoa(r.ListenPort),
		"--target-ip", r.TargetIP,
		"--target-port", strconv.Itoa(r.TargetPort),
		"--corruption-rate", strconv.FormatFloat(r.CorruptionRate, 'f', -1, 64),
	}
	if r.Interface != "" {
		args = append(args, "--interface", r.Interface)
	}
	if r.Protocol != "" {
		args = append(args, "--protocol", string(r.Protocol))
	}
	return args
}

func sniffArgs(args []string, sniff bool, iface string) []string {
	if sniff {
		args = append(args, "--sniff")
	}
	if iface != "" {
		args = append(args, "--interface", iface)
	}
	return args
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks a request against its binding tags, the same rules gin
// applies to API requests.
func Validate(v any) error {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.SetTagName("binding")
	})
	return validate.Struct(v)
}
