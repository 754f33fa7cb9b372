package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pratyushFilter/batchcluster/cluster"
	"github.com/pratyushFilter/batchcluster/config"
	"github.com/pratyushFilter/batchcluster/util/conf"
	"github.com/pratyushFilter/batchcluster/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var runCmdCliMap = map[string]string{
	"cmd":                "cluster.command",
	"arg":                "cluster.args",
	"cwd":                "cluster.cwd",
	"max-procs":          "cluster.max_procs",
	"max-tasks-per-proc": "cluster.max_tasks_per_process",
	"max-proc-age":       "cluster.max_proc_age_millis",
	"spawn-timeout":      "cluster.spawn_timeout_millis",
	"task-timeout":       "cluster.task_timeout_millis",
	"pass":               "cluster.pass",
	"fail":               "cluster.fail",
	"version-cmd":        "cluster.version_command",
	"exit-cmd":           "cluster.exit_command",
}

var runCmd = &cli.Command{
	Name:   "run",
	Usage:  "Read commands from stdin, one per line, and run each against a pool of worker processes.",
	Action: runAction,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "cmd", Aliases: []string{"c"}, Usage: "the worker binary to spawn", Required: true},
		&cli.StringSliceFlag{Name: "arg", Aliases: []string{"a"}, Usage: "an argument to pass to the worker binary, repeatable"},
		&cli.StringFlag{Name: "cwd", Usage: "working directory for spawned workers"},
		&cli.IntFlag{Name: "max-procs", Usage: "maximum number of live worker processes"},
		&cli.IntFlag{Name: "max-tasks-per-proc", Usage: "retire a worker after this many completed tasks"},
		&cli.IntFlag{Name: "max-proc-age", Usage: "retire a worker after this many milliseconds"},
		&cli.IntFlag{Name: "spawn-timeout", Usage: "milliseconds a new worker has to answer its version probe"},
		&cli.IntFlag{Name: "task-timeout", Usage: "milliseconds a task may run before it is considered hung"},
		&cli.StringFlag{Name: "pass", Usage: "terminal line marking task success"},
		&cli.StringFlag{Name: "fail", Usage: "terminal line marking task failure"},
		&cli.StringFlag{Name: "version-cmd", Usage: "command sent to confirm a worker started"},
		&cli.StringFlag{Name: "exit-cmd", Usage: "command sent to ask a worker to exit gracefully"},
	},
}

func init() {
	rootApp.Commands = append(rootApp.Commands, runCmd)
}

func runAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Cli:       ctx,
		CliMap:    runCmdCliMap,
		Defaults:  config.DefaultConfigValues(),
		EnvPrefix: "BATCHCLUSTER_",
		Log:       log,
	})
	if err != nil {
		return err
	}

	opts, err := cfg.Cluster.Validate()
	if err != nil {
		return err
	}

	c, err := cluster.New[string](opts, log)
	if err != nil {
		return fmt.Errorf("starting cluster: %w", err)
	}

	c.On(cluster.EventTaskError, func(payload any) {
		evt := payload.(cluster.TaskErrorEvent)
		log.Warn("task failed", zap.Int("pid", evt.Pid), zap.Error(evt.Err))
	})

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		log.Info("shutting down")
		endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		<-c.End(endCtx)
	}()

	scanner := bufio.NewScanner(ctx.App.Reader)
	identity := func(stdout, stderr string) (string, error) {
		return stdout, nil
	}

	for scanner.Scan() {
		if c.Ended() {
			break
		}

		t := cluster.NewTask[string](scanner.Text(), identity)
		if err := c.EnqueueTask(t); err != nil {
			fmt.Fprintf(ctx.App.ErrWriter, "enqueue: %s\n", err)
			continue
		}

		result, err := t.Wait()
		if err != nil {
			fmt.Fprintf(ctx.App.ErrWriter, "error: %s\n", err)
			continue
		}

		fmt.Fprintln(ctx.App.Writer, result)
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	<-c.End(context.Background())

	return nil
}
