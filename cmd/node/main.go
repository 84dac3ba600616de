package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"relaynode/config"
	"relaynode/logs"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML 配置文件路径")
		dataPath   = flag.String("data", "", "数据目录，覆盖 node.dataPath")
		port       = flag.Int("port", 0, "QUIC 端口，覆盖 server.port")
		localAddr  = flag.String("local", "", "本地接口地址，覆盖 server.localAddr")
		peers      = flag.String("peers", "", "逗号分隔的种子节点 host:port")
		logLevel   = flag.String("log", "", "日志级别 trace/debug/verbose/info/warn/error")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dataPath != "" {
		cfg.Node.DataPath = *dataPath
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *localAddr != "" {
		cfg.Server.LocalAddr = *localAddr
	}
	if *peers != "" {
		for _, p := range strings.Split(*peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Network.Peers = append(cfg.Network.Peers, p)
			}
		}
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logs.SetLevel(logs.ParseLevel(cfg.Node.LogLevel))

	node := &NodeInstance{
		Config: cfg,
		Logger: logs.NewNodeLogger(fmt.Sprintf(":%d", cfg.Server.Port)),
	}
	if err := initializeNode(node); err != nil {
		logs.Error("Failed to initialize node: %v", err)
		shutdownNode(node)
		os.Exit(1)
	}

	errorChan := make(chan error, 2)
	if err := startNode(node, errorChan); err != nil {
		logs.Error("Failed to start node: %v", err)
		shutdownNode(node)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logs.Info("Received signal %v, shutting down", sig)
	case err := <-errorChan:
		logs.Error("Server error: %v", err)
	}
	shutdownNode(node)
}
