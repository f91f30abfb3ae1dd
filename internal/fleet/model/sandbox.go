package model

// SandboxStatus is the runtime view of one container.
type SandboxStatus struct {
	ID       string `json:"id"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code"`
	Status   string `json:"status"`
}

// SandboxStats is a point-in-time resource sample.
type SandboxStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage int64   `json:"memory_usage"`
	MemoryLimit int64   `json:"memory_limit"`
	NetRx       int64   `json:"net_rx"`
	NetTx       int64   `json:"net_tx"`
}
