package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type SendFlags struct {
	APIFlags
	IP        string
	Port      int
	Protocol  string
	Sniff     bool
	Interface string
	Delay     float64
	ChunkSize int
	// Wait blocks until the batch leaves the sending state.
	Wait bool
}

type ReceiveFlags struct {
	APIFlags
	Port      int
	Protocol  string
	SaveDir   string
	Sniff     bool
	Interface string
}

type ProxyFlags struct {
	APIFlags
	ListenPort     int
	TargetIP       string
	TargetPort     int
	CorruptionRate float64
	Interface      string
	Protocol       string
}

type WatchFlags struct {
	APIFlags
	Topics []string
	Limit  int
}
