package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var errNotReleased = errors.New("lock was not released: token does not own it or the store failed")

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "latchctl",
		Short:         "Acquire and release distributed locks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addFlags(root)

	root.AddCommand(
		&cobra.Command{
			Use:   "acquire [key]",
			Short: "Acquire a lock and print its token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLock(v, cmd, args[0], func(ctx context.Context, l *lock.Lock, cfg *config) error {
					token, err := l.Acquire(ctx, cfg.MaxWait, cfg.TTL)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), token)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "release [key] [token]",
			Short: "Release a lock previously acquired with the given token",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLock(v, cmd, args[0], func(ctx context.Context, l *lock.Lock, _ *config) error {
					released := l.Release(ctx, args[1])
					fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", released)
					if !released {
						return errNotReleased
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "run [key] -- [command...]",
			Short: "Run a command while holding a lock",
			Args: func(cmd *cobra.Command, args []string) error {
				if cmd.ArgsLenAtDash() != 1 || len(args) < 2 {
					return errors.New("usage: latchctl run <key> -- <command> [args...]")
				}
				return nil
			},
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLock(v, cmd, args[0], func(ctx context.Context, l *lock.Lock, cfg *config) error {
					return l.Do(ctx, cfg.MaxWait, cfg.TTL, func(ctx context.Context) error {
						c := exec.CommandContext(ctx, args[1], args[2:]...)
						c.Stdin = cmd.InOrStdin()
						c.Stdout = cmd.OutOrStdout()
						c.Stderr = cmd.ErrOrStderr()
						return c.Run()
					})
				})
			},
		},
	)
	return root
}

func withLock(v *viper.Viper, cmd *cobra.Command, key string, fn func(context.Context, *lock.Lock, *config) error) error {
	cfg, err := loadConfig(v, cmd)
	if err != nil {
		return err
	}
	l, closeFn, err := presets.NewRedis(cfg.Redis, key, cfg.lockOptions()...)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), l, cfg)
}
