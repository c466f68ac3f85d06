// Command queue-runner is the daemon entrypoint: it loads config,
// wires a Coordinator, and runs it until signalled, mirroring the
// teacher's cmd/graph/main.go construct -> bootstrap -> mount HTTP ->
// wait-on-signal -> clean-shutdown sequence.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/auxqueue"
	"github.com/LumiGuide/hydra/pkg/config"
	"github.com/LumiGuide/hydra/pkg/coordinator"
	"github.com/LumiGuide/hydra/pkg/derivstore"

	_ "github.com/LumiGuide/hydra/pkg/builder/nomad"
	_ "github.com/LumiGuide/hydra/pkg/builder/ssh"
	_ "github.com/LumiGuide/hydra/pkg/storage/bc"
)

// logNotifier is the default out-of-scope notification collaborator
// (§1, §4.9): it logs a finalized build rather than fanning out to a
// real notification transport (webhook, email, IRC). A deployment
// wanting real delivery supplies its own coordinator.Notifier.
type logNotifier struct {
	l hclog.Logger
}

func (n logNotifier) Notify(ctx context.Context, item auxqueue.NotifyItem) error {
	n.l.Info("build finalized", "build", item.BuildID, "project", item.Project, "jobset", item.Jobset, "job", item.Job, "status", item.Status)
	return nil
}

func main() {
	configPath := flag.String("config", "/etc/hydra/queue-runner.json", "path to the queue runner's JSON config file")
	storeDir := flag.String("store-dir", "/var/lib/hydra/store", "directory holding derivation JSON sidecars consulted by the derivation store")
	logLevel := flag.String("log-level", "INFO", "log level: TRACE, DEBUG, INFO, WARN, ERROR")
	flag.Parse()

	l := hclog.New(&hclog.LoggerOptions{
		Name:  "queue-runner",
		Level: hclog.LevelFromString(*logLevel),
	})
	l.Info("queue-runner is initializing")

	cfg := config.NewConfig()
	if err := cfg.LoadFromFile(*configPath); err != nil {
		l.Warn("could not load config file, proceeding with defaults", "path", *configPath, "error", err)
	}

	parser := derivstore.New(l, *storeDir)
	notifier := logNotifier{l: l.Named("notify")}

	c, err := coordinator.New(l, cfg, parser, notifier)
	if err != nil {
		l.Error("failed to construct coordinator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		l.Info("received shutdown signal")
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		l.Error("coordinator exited with error", "error", err)
		c.Shutdown()
		os.Exit(1)
	}

	c.Shutdown()
	l.Info("goodbye")
}
