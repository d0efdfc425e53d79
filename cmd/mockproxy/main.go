package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/httptoolkit/mockproxy/cert"
	"github.com/httptoolkit/mockproxy/proxy"
	"github.com/httptoolkit/mockproxy/version"
)

type cliConfig struct {
	version bool

	addr               string
	certPath           string
	insecureSkipVerify bool
	ignoreHosts        string
	allowHosts         string
	upstream           string
	http2              bool
	logFile            string
	debug              bool
}

func loadConfig() *cliConfig {
	c := new(cliConfig)
	flag.BoolVar(&c.version, "version", false, "show mockproxy version")
	flag.StringVar(&c.addr, "addr", ":8080", "proxy listen addr")
	flag.StringVar(&c.certPath, "cert-path", "", "path to store/load the generated CA")
	flag.BoolVar(&c.insecureSkipVerify, "insecure-skip-verify", false, "don't verify upstream server TLS certificates")
	flag.StringVar(&c.ignoreHosts, "ignore-hosts", "", "comma-separated hosts to forward upstream instead of mocking")
	flag.StringVar(&c.allowHosts, "allow-hosts", "", "comma-separated hosts to mock; everything else is forwarded upstream")
	flag.StringVar(&c.upstream, "upstream", "", "upstream proxy URL to chain requests through")
	flag.BoolVar(&c.http2, "http2", false, "enable downstream HTTP/2")
	flag.StringVar(&c.logFile, "log-file", "", "write structured logs to this file instead of stdout")
	flag.BoolVar(&c.debug, "debug", false, "enable debug-level logging on stdout (-log-file output stays at info level)")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return c
}

func main() {
	cfg := loadConfig()

	if cfg.version {
		fmt.Println("mockproxy: " + version.String())
		os.Exit(0)
	}

	if cfg.logFile == "" {
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stdout"}
		if cfg.debug {
			zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		zap.ReplaceGlobals(zap.Must(zcfg.Build()))
	}

	instanceLogger := proxy.NewInstanceLoggerWithFile(cfg.addr, "", cfg.logFile)
	logger := instanceLogger.GetLogger()

	ca, err := cert.NewSelfSignCA(cfg.certPath)
	if err != nil {
		logger.Error("failed to create CA", zap.Error(err))
		os.Exit(1)
	}

	opts := []proxy.Option{
		proxy.WithAddr(cfg.addr),
		proxy.WithCA(ca),
		proxy.WithLogger(logger),
		proxy.WithHTTP2(cfg.http2),
		proxy.WithIgnoreHTTPSErrors(proxy.IgnoreHTTPSErrors{All: cfg.insecureSkipVerify}),
	}

	if cfg.upstream != "" {
		opts = append(opts, proxy.WithUpstreamProxy(&proxy.ProxyConfig{
			Single: &proxy.ProxySetting{ProxyURL: cfg.upstream},
		}))
	}
	if hosts := splitHosts(cfg.ignoreHosts); len(hosts) > 0 {
		opts = append(opts, proxy.WithIgnoreHosts(hosts...))
	}
	if hosts := splitHosts(cfg.allowHosts); len(hosts) > 0 {
		opts = append(opts, proxy.WithAllowHosts(hosts...))
	}

	p, err := proxy.New(opts...)
	if err != nil {
		logger.Error("failed to create proxy", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("mockproxy started", zap.String("version", version.Version), zap.String("addr", cfg.addr))

	if err := p.Start(); err != nil {
		logger.Error("proxy exited", zap.Error(err))
		os.Exit(1)
	}
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}
