// brspd — the worker-node service: accepts scene uploads and frame render
// requests over TCP and drives a single rendering-engine subprocess.
//
// Usage:
//
//	brspd <brpy-script> <work-dir> [--blender <path>] [--config <file>]
//
// brspd validates the bootstrap script, changes into work-dir, brings up the
// render backend, and then listens for clients indefinitely. It does not
// daemonize itself; run it under a process supervisor if that's wanted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/holfeld/brsp/internal/worker"
)

func main() {
	fs := flag.NewFlagSet("brspd", flag.ExitOnError)
	blender := fs.String("blender", "", "path to the rendering engine binary (default: look up \"blender\" on PATH)")
	configPath := fs.String("config", "", "optional YAML overlay for port/retry/timeout knobs")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: brspd <brpy-script> <work-dir> [--blender <path>] [--config <file>]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 2 {
		fs.Usage()
		os.Exit(1)
	}
	scriptPath := args[0]
	workDir := args[1]

	blenderPath := *blender
	if blenderPath == "" {
		found, err := exec.LookPath("blender")
		if err != nil {
			log.Fatalf("brspd: could not find \"blender\" on PATH: %v", err)
		}
		blenderPath = found
	}

	fi, err := os.Stat(scriptPath)
	if err != nil {
		log.Fatalf("brspd: bootstrap script: %v", err)
	}
	if !fi.Mode().IsRegular() {
		log.Fatalf("brspd: bootstrap script %s is not a regular file", scriptPath)
	}

	cfg, err := worker.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("brspd: %v", err)
	}

	if err := os.Chdir(workDir); err != nil {
		log.Fatalf("brspd: work dir: %v", err)
	}

	log.Printf("starting render backend: %s %s", blenderPath, scriptPath)
	bootstrapTimeout := time.Duration(cfg.BootstrapTimeoutSeconds) * time.Second
	backend, err := worker.Spawn(blenderPath, scriptPath, bootstrapTimeout, cfg.QueryRetries)
	if err != nil {
		log.Fatalf("brspd: render backend: %v", err)
	}

	// The process is already inside workDir, so the service roots its
	// anonymous/ tree at the current directory.
	svc := worker.New(".", backend)
	if err := svc.EnsureLayout(); err != nil {
		log.Fatalf("brspd: %v", err)
	}

	ln, err := worker.Listen(cfg.Port)
	if err != nil {
		log.Fatalf("brspd: %v", err)
	}

	if err := svc.Serve(ln); err != nil {
		log.Fatalf("brspd: %v", err)
	}
}
