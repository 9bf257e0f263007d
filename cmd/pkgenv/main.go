// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pkgenv locks declarative package environments against scraped
// package indexes and searches those indexes. The resolution core lives in
// the parent module; this binary is a thin shell around it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	pkgenv "github.com/pkgenv/pkgenv"
	"github.com/pkgenv/pkgenv/pkgdb"
)

func main() {
	root := &cobra.Command{
		Use:           "pkgenv",
		Short:         "resolve and lock declarative package environments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.AddCommand(lockCommand(), searchCommand(), describeCommand())

	if err := root.Execute(); err != nil {
		exit(err)
	}
}

// exit reports the error and terminates with its taxonomy exit code.
// Humans on a terminal get the what()-style string on stderr; everything
// else gets one JSON object on stdout.
func exit(err error) {
	var coreErr *pkgenv.Error
	if !errors.As(err, &coreErr) {
		coreErr = pkgenv.WrapError(pkgenv.GenericFailure, "", err)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintln(os.Stderr, coreErr.Error())
	} else {
		encoded, _ := json.Marshal(coreErr)
		fmt.Fprintln(os.Stdout, string(encoded))
	}
	os.Exit(coreErr.ExitCode())
}

func newLogger(cmd *cobra.Command) hclog.Logger {
	level := hclog.Warn
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{Name: "pkgenv", Level: level})
}

func loadManifestArg(path string) (*pkgenv.Manifest, error) {
	if path == "" {
		return nil, nil
	}
	return pkgenv.ReadManifestFile(path)
}

func lockCommand() *cobra.Command {
	var (
		globalPath   string
		lockfilePath string
		upgradeAll   bool
		upgrades     []string
	)
	cmd := &cobra.Command{
		Use:   "lock <manifest>",
		Short: "produce a lockfile for a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := pkgenv.ReadManifestFile(args[0])
			if err != nil {
				return err
			}
			global, err := loadManifestArg(globalPath)
			if err != nil {
				return err
			}
			var oldLockfile *pkgenv.Lockfile
			if lockfilePath != "" {
				if oldLockfile, err = pkgenv.ReadLockfileFile(lockfilePath); err != nil {
					return err
				}
			}
			directive := pkgenv.UpgradeNone()
			if upgradeAll {
				directive = pkgenv.UpgradeAll()
			} else if len(upgrades) > 0 {
				directive = pkgenv.UpgradeSet(upgrades...)
			}

			lockfile, err := pkgenv.LockEnvironment(context.Background(), pkgenv.EnvironmentConfig{
				Global:      global,
				Manifest:    manifest,
				OldLockfile: oldLockfile,
				Upgrades:    directive,
				Logger:      newLogger(cmd),
			})
			if err != nil {
				return err
			}
			encoded, err := lockfile.Encode()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(encoded)
			return err
		},
	}
	cmd.Flags().StringVar(&globalPath, "global-manifest", "", "user-level manifest merged beneath the environment manifest")
	cmd.Flags().StringVar(&lockfilePath, "lockfile", "", "prior lockfile to reuse pins from")
	cmd.Flags().BoolVar(&upgradeAll, "upgrade-all", false, "re-resolve every group")
	cmd.Flags().StringSliceVar(&upgrades, "upgrade", nil, "install ids whose groups are re-resolved")
	return cmd
}

func searchCommand() *cobra.Command {
	var (
		manifestPath string
		globalPath   string
	)
	cmd := &cobra.Command{
		Use:   "search <index> <query-json>",
		Short: "run a search query against an index file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd)
			idx, err := pkgdb.Open(args[0], logger)
			if err != nil {
				return pkgenv.WrapError(pkgenv.IndexError, "opening index", err)
			}
			defer idx.Close()

			searchQuery, err := pkgenv.ParseSearchQuery([]byte(args[1]))
			if err != nil {
				return err
			}
			manifest, err := loadManifestArg(manifestPath)
			if err != nil {
				return err
			}
			global, err := loadManifestArg(globalPath)
			if err != nil {
				return err
			}
			params := pkgenv.SearchParams{Global: global, Manifest: manifest, Query: *searchQuery}
			query := &pkgdb.Query{AllowUnfree: true}
			params.FillQuery(query)

			rows, err := idx.Search(query)
			if err != nil {
				return pkgenv.WrapError(pkgenv.IndexError, "executing search", err)
			}
			enc := json.NewEncoder(os.Stdout)
			for _, row := range rows {
				info, err := idx.Package(row)
				if err != nil {
					return pkgenv.WrapError(pkgenv.IndexError, "reading package", err)
				}
				if err := enc.Encode(info); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "environment manifest supplying search options")
	cmd.Flags().StringVar(&globalPath, "global-manifest", "", "user-level manifest supplying search options")
	return cmd
}

func describeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <index> <attr-path>",
		Short: "show one package by attribute path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := pkgdb.Open(args[0], newLogger(cmd))
			if err != nil {
				return pkgenv.WrapError(pkgenv.IndexError, "opening index", err)
			}
			defer idx.Close()

			raw, err := pkgenv.ParseDescriptorString(args[1])
			if err != nil {
				return err
			}
			desc, err := pkgenv.NewDescriptor(args[1], raw)
			if err != nil {
				return err
			}
			query := &pkgdb.Query{AllowUnfree: true}
			desc.FillQuery(query)
			rows, err := idx.Search(query)
			if err != nil {
				return pkgenv.WrapError(pkgenv.IndexError, "executing query", err)
			}
			if len(rows) == 0 {
				return pkgenv.NewError(pkgenv.ResolutionFailure, "no package matches "+args[1])
			}
			info, err := idx.Package(rows[0])
			if err != nil {
				return pkgenv.WrapError(pkgenv.IndexError, "reading package", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}
