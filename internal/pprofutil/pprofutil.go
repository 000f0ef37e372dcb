// Package pprofutil starts an optional profiling endpoint for the command
// line tools.
package pprofutil

import (
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"branchnet/internal/debuglog"
	"branchnet/internal/result"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts a pprof HTTP server when BRANCHNET_PPROF=1. The
// address comes from BRANCHNET_PPROF_ADDR and must be loopback unless
// BRANCHNET_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(log *zap.Logger) error {
	if strings.TrimSpace(os.Getenv("BRANCHNET_PPROF")) != "1" {
		return nil
	}
	log = debuglog.OrNop(log)
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("BRANCHNET_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("BRANCHNET_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = result.New(result.ConfigNotValid,
				"BRANCHNET_PPROF_ADDR must be loopback unless BRANCHNET_PPROF_ALLOW_PUBLIC=1", "addr", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = result.Wrap(result.BindSocketFailed, err, "addr", addr)
			return
		}
		actual := ln.Addr().String()
		log.Info("pprof enabled", zap.String("url", "http://"+actual+"/debug/pprof/"))
		srv := &http.Server{
			Addr:              actual,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
