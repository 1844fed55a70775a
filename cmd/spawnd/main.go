// Command spawnd is the privileged process-spawning daemon (spec.md
// §1): it serves the framed UNIX-datagram protocol in internal/wire
// on a socket-activated or explicitly-numbered seed fd, spawning
// heavily-isolated children on EXEC and reaping them through
// internal/registry until its connection set drains.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/watchtower/spawnd/internal/cgroupstate"
	"github.com/watchtower/spawnd/internal/config"
	"github.com/watchtower/spawnd/internal/log"
	"github.com/watchtower/spawnd/internal/server"
)

// defaultSeedFd matches the teacher's own init-socket convention
// (daemon/container_init.go's defaultFd): fd 3 is the first
// descriptor past stdin/stdout/stderr, used when the process was not
// started through systemd socket activation.
const defaultSeedFd = 3

func main() {
	var (
		configPath string
		logLevel   string
		defaultUID uint
		defaultGID uint
	)
	flag.StringVar(&configPath, "config", "", "path to a SpawnConfig YAML file (optional)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.UintVar(&defaultUID, "default-uid", 0, "default uid used when -config is not given")
	flag.UintVar(&defaultGID, "default-gid", 0, "default gid used when -config is not given")
	flag.Parse()

	logger := log.New(logLevel)

	cfg, err := loadConfig(configPath, uint32(defaultUID), uint32(defaultGID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "spawnd:", err)
		os.Exit(1)
	}

	cg, err := cgroupstate.Load(0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "spawnd: cgroupstate:", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, cg, nil, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "spawnd:", err)
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Seed(seedFd()); err != nil {
		fmt.Fprintln(os.Stderr, "spawnd: seed:", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "spawnd:", err)
		os.Exit(1)
	}
}

// seedFd resolves the spawner's first Connection socket: a systemd
// LISTEN_FDS activation fd if present, otherwise the fixed descriptor
// the process is expected to inherit it on.
func seedFd() int {
	files := activation.Files(false)
	if len(files) > 0 {
		return int(files[0].Fd())
	}
	return defaultSeedFd
}

func loadConfig(path string, uid, gid uint32) (*config.SpawnConfig, error) {
	if path == "" {
		return config.Default(uid, gid), nil
	}
	return config.Load(path)
}
