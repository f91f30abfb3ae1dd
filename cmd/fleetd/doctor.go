package main

import (
	"context"
	"fmt"
	"io"

	"egressfleet/internal/fleet/doctor"
)

// doctorChecks lists the host prerequisites of the configured drivers.
func doctorChecks(cfg *AppConfig) []doctor.Check {
	var checks []doctor.Check
	if cfg.Runtime.Driver != runtimeMemory {
		checks = append(checks, doctor.Binary("runtime", cfg.Runtime.Binary, "version"))
	}
	if cfg.Network.Driver == networkKernel {
		iptables := cfg.Network.IPTablesPath
		if iptables == "" {
			iptables = "iptables"
		}
		checks = append(checks,
			doctor.Binary("iptables", iptables, "--version"),
			doctor.Privileged(),
		)
	}
	if cfg.Security.EnableAppArmor {
		parser := cfg.Security.ParserPath
		if parser == "" {
			parser = "apparmor_parser"
		}
		checks = append(checks, doctor.Binary("apparmor", parser, "--version"))
		if cfg.Security.AppArmorDir != "" {
			checks = append(checks, doctor.Writable("apparmor dir", cfg.Security.AppArmorDir))
		}
	}
	if cfg.Security.ProfileDir != "" {
		checks = append(checks, doctor.Writable("profile dir", cfg.Security.ProfileDir))
	}
	if cfg.Store.Backend == storeFile {
		checks = append(checks, doctor.Writable("store dir", cfg.Store.Dir))
	}
	return checks
}

// printDoctor runs checks, writes one line per result and reports whether
// every check passed.
func printDoctor(ctx context.Context, w io.Writer, checks []doctor.Check) bool {
	results := doctor.Run(ctx, checks)
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%-14s %-4s %s\n", r.Name, status, r.Detail)
	}
	return doctor.Healthy(results)
}
