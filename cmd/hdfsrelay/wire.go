package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/franksops/hdfsrelay/config"
	"github.com/franksops/hdfsrelay/engine"
	"github.com/franksops/hdfsrelay/notify"
	"github.com/franksops/hdfsrelay/provider"
)

// environment is the set of connected endpoints a run moves data between.
type environment struct {
	source provider.Filesystem
	dest   provider.Filesystem
	relay  provider.Relay
	closer func() error
}

func (e *environment) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*environment, error) {
	env := &environment{}

	switch cfg.Source.Kind {
	case "hdfs":
		env.source = provider.NewHDFS(provider.NewLocalRunner(), cfg.Source.HDFSBin)
	case "local":
		env.source = provider.NewLocalFS(cfg.Source.Root)
	case "s3":
		s3fs, err := provider.NewS3(ctx, cfg.Source.S3Bucket, cfg.Source.S3Prefix, cfg.Source.S3Endpoint)
		if err != nil {
			return nil, err
		}
		env.source = s3fs
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}

	switch cfg.Relay.Mode {
	case "ssh":
		sshCfg, err := provider.ResolveSSHHost(provider.SSHConfig{
			Host:                  cfg.Relay.Host,
			User:                  cfg.Relay.User,
			Port:                  cfg.Relay.Port,
			IdentityFile:          cfg.Relay.IdentityFile,
			KnownHosts:            cfg.Relay.KnownHosts,
			InsecureIgnoreHostKey: cfg.Relay.InsecureIgnoreHostKey,
			ConfigFile:            cfg.Relay.SSHConfig,
		})
		var relay *provider.SSHRelay
		if err == nil {
			log.Info("Connecting to relay host", "host", sshCfg.Host, "user", sshCfg.User, "port", sshCfg.Port)
			relay, err = provider.DialSSHRelay(ctx, sshCfg)
		}
		if err != nil {
			// Each job then fails on the relay step and is reported.
			log.Error("Failed to connect to relay host", "host", cfg.Relay.Host, "err", err)
			env.relay = &provider.UnreachableRelay{Name: cfg.Relay.Host, Err: err}
			break
		}
		env.relay = relay
		env.closer = relay.Close
	case "local":
		env.relay = provider.NewLocalRelay().WithChecksum(cfg.VerifyChecksum)
	default:
		return nil, fmt.Errorf("unknown relay mode %q", cfg.Relay.Mode)
	}

	switch cfg.Dest.Kind {
	case "hdfs":
		// The destination cluster is only reachable from the relay host.
		env.dest = provider.NewHDFS(env.relay, cfg.Dest.HDFSBin)
	case "local":
		env.dest = provider.NewLocalFS(cfg.Dest.Root).WithChecksum(cfg.VerifyChecksum)
	case "s3":
		// Committed files are read from the relay scratch dir on this host.
		s3fs, err := provider.NewS3(ctx, cfg.Dest.S3Bucket, cfg.Dest.S3Prefix, cfg.Dest.S3Endpoint)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.dest = s3fs
	default:
		env.Close()
		return nil, fmt.Errorf("unknown dest kind %q", cfg.Dest.Kind)
	}
	return env, nil
}

func runnerOptions(cfg *config.Config, env *environment, tracker *engine.JobTracker, log *slog.Logger) (engine.Options, error) {
	chunk, err := cfg.ChunkBytes()
	if err != nil {
		return engine.Options{}, fmt.Errorf("invalid max_chunk_size: %w", err)
	}
	headroom, err := cfg.FreeSpaceBytes()
	if err != nil {
		return engine.Options{}, fmt.Errorf("invalid min_free_space: %w", err)
	}
	return engine.Options{
		Source:       env.source,
		Dest:         env.dest,
		Relay:        env.relay,
		StageDir:     cfg.StageDir,
		RemoteDir:    cfg.Relay.ScratchDir,
		MaxChunkSize: chunk,
		MinFreeSpace: headroom,
		Workers:      cfg.Workers,
		OnCollision:  engine.CollisionPolicy(cfg.OnCollision),
		Tracker:      tracker,
		Logger:       log,
	}, nil
}

func newNotifier(cfg *config.Config, log *slog.Logger) notify.Notifier {
	smtpCfg := cfg.Notify.SMTP
	if smtpCfg.Addr == "" {
		return &notify.Log{Logger: log}
	}
	return &notify.SMTP{
		Addr:          smtpCfg.Addr,
		From:          smtpCfg.From,
		To:            smtpCfg.To,
		Username:      smtpCfg.Username,
		Password:      smtpCfg.Password,
		Retries:       cfg.Notify.Retries,
		RetryInterval: 2 * time.Second,
	}
}
