package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// startServer runs `prewarm serve --target file` in the background, detached
// from the terminal. Its log goes to prewarm/serve.log in the user cache dir.
func startServer(file string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating prewarm binary: %w", err)
	}

	args := []string{"serve", "--target", file, "--listen", config.Service.Listen}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if config.Service.Verbose {
		args = append(args, "--verbose")
	}

	logFile, err := serveLog()
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = logFile.Close()
	}()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detached()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting server: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("releasing server process: %w", err)
	}
	return pid, nil
}

func serveLog() (*os.File, error) {
	d, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d, "prewarm", "serve.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
