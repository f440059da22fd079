// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcpayserver/lnsync/build"
	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/lncfg"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/urfave/cli"
)

const (
	defaultDataDir      = "data"
	defaultDeviceSubdir = "device"
	defaultKeyFilename  = "encryption.key"
)

var (
	defaultLnsyncDir = btcutil.AppDataDir("lnsync", false)
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[lnsynccli] %v\n", err)
	os.Exit(1)
}

// lnsyncDir returns the base directory selected on the command line.
func lnsyncDir(ctx *cli.Context) string {
	return lncfg.CleanAndExpandPath(ctx.GlobalString("lnsyncdir"))
}

// keyFilePath returns the path of the encryption key file. A custom base
// directory moves the default key file along with it.
func keyFilePath(ctx *cli.Context) string {
	if ctx.GlobalIsSet("keyfile") {
		return lncfg.CleanAndExpandPath(ctx.GlobalString("keyfile"))
	}

	return filepath.Join(lnsyncDir(ctx), defaultKeyFilename)
}

// getKeyStore returns the keystore of the node.
func getKeyStore(ctx *cli.Context) *lnencrypt.FileKeyStore {
	return lnencrypt.NewFileKeyStore(keyFilePath(ctx))
}

// getDeviceDB opens the device database. The daemon must not be running
// since the bolt backend takes an exclusive lock on the file.
func getDeviceDB(ctx *cli.Context) (*devicedb.DB, func(), error) {
	dbCfg := lncfg.DefaultDB()
	dbCfg.Backend = ctx.GlobalString("db.backend")
	if err := dbCfg.Validate(); err != nil {
		return nil, nil, err
	}

	dbDir := filepath.Join(
		lnsyncDir(ctx), defaultDataDir, defaultDeviceSubdir,
	)
	backend, err := dbCfg.GetBackend(
		context.Background(), dbDir, devicedb.DBName(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open device database "+
			"(is lnsyncd still running?): %w", err)
	}

	db, err := devicedb.CreateWithBackend(backend)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	cleanUp := func() {
		_ = db.Close()
	}

	return db, cleanUp, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "lnsynccli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "offline maintenance of an lnsyncd device"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "lnsyncdir",
			Value:     defaultLnsyncDir,
			Usage:     "The path to lnsyncd's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "keyfile",
			Usage: "The path to the encryption key file, " +
				"defaults to the one in lnsyncdir.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:  "db.backend",
			Value: lncfg.BoltBackend,
			Usage: "The database backend lnsyncd runs with, " +
				"either bolt or sqlite.",
		},
	}
	app.Commands = []cli.Command{
		deviceIDCommand,
		listOutboxCommand,
		channelCommand,
		exportKeyCommand,
		importKeyCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
