package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/urfave/cli"
)

// printJSON writes the indented JSON encoding of resp to w.
func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "    "); err != nil {
		return err
	}
	out.WriteString("\n")

	_, err = out.WriteTo(w)

	return err
}

var deviceIDCommand = cli.Command{
	Name:     "deviceid",
	Category: "Device",
	Usage:    "Show the identity of this device.",
	Description: `
	Print the device id used in master election and as the revision token of
	every remote write. The id is created on first use and never rotated.`,
	Action: showDeviceID,
}

type deviceIDResp struct {
	DeviceID string `json:"device_id"`
}

func showDeviceID(ctx *cli.Context) error {
	db, cleanUp, err := getDeviceDB(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return writeDeviceID(db, os.Stdout)
}

func writeDeviceID(db *devicedb.DB, w io.Writer) error {
	id, err := db.FetchOrCreateDeviceID()
	if err != nil {
		return err
	}

	return printJSON(w, &deviceIDResp{DeviceID: id.String()})
}

var listOutboxCommand = cli.Command{
	Name:     "outbox",
	Category: "Sync",
	Usage:    "List the local changes not yet confirmed by the remote store.",
	Action:   listOutbox,
}

type outboxItemResp struct {
	Seq       uint64 `json:"seq"`
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

type listOutboxResp struct {
	Items []*outboxItemResp `json:"items"`
}

func listOutbox(ctx *cli.Context) error {
	db, cleanUp, err := getDeviceDB(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return writeOutbox(db, os.Stdout)
}

func writeOutbox(db *devicedb.DB, w io.Writer) error {
	items, err := db.FetchOutbox()
	if err != nil {
		return err
	}

	resp := &listOutboxResp{
		Items: make([]*outboxItemResp, 0, len(items)),
	}
	for _, item := range items {
		resp.Items = append(resp.Items, &outboxItemResp{
			Seq:       item.Seq,
			Kind:      item.Kind.String(),
			Key:       item.Key,
			Version:   item.Version,
			Action:    item.Action.String(),
			Timestamp: item.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	return printJSON(w, resp)
}

var channelCommand = cli.Command{
	Name:      "channel",
	Category:  "Channels",
	Usage:     "Show the stored state of a channel.",
	ArgsUsage: "id",
	Description: `
	Look up a channel by its canonical id or any of its alias ids and print
	the stored record.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "id",
			Usage: "the canonical or an alias id of the channel",
		},
		cli.BoolFlag{
			Name:  "show_data",
			Usage: "include the hex encoded state blob",
		},
	},
	Action: showChannel,
}

type channelResp struct {
	CanonicalID string   `json:"canonical_id"`
	AliasIDs    []string `json:"alias_ids"`
	Checkpoint  uint64   `json:"checkpoint"`
	Version     int64    `json:"version"`
	Archived    bool     `json:"archived"`
	DataSize    int      `json:"data_size"`
	Data        string   `json:"data,omitempty"`
}

func showChannel(ctx *cli.Context) error {
	var id string
	switch {
	case ctx.IsSet("id"):
		id = ctx.String("id")

	case ctx.Args().Present():
		id = ctx.Args().First()

	default:
		return cli.ShowCommandHelp(ctx, "channel")
	}

	db, cleanUp, err := getDeviceDB(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	return writeChannel(db, id, ctx.Bool("show_data"), os.Stdout)
}

func writeChannel(db *devicedb.DB, id string, showData bool,
	w io.Writer) error {

	state, version, err := db.FetchChannelState(id)
	if err != nil {
		return err
	}

	resp := &channelResp{
		CanonicalID: state.CanonicalID,
		AliasIDs:    state.AliasIDs,
		Checkpoint:  state.Checkpoint,
		Version:     version,
		Archived:    state.Archived,
		DataSize:    len(state.Data),
	}
	if resp.AliasIDs == nil {
		resp.AliasIDs = []string{}
	}
	if showData {
		resp.Data = hex.EncodeToString(state.Data)
	}

	return printJSON(w, resp)
}

var exportKeyCommand = cli.Command{
	Name:     "exportkey",
	Category: "Encryption",
	Usage:    "Print the encryption key of the node.",
	Description: `
	Print the hex encoded encryption key so it can be imported on another
	device of the same node with the importkey command. Anybody holding the
	key can read the node's remote backups, keep it secret.`,
	Action: exportKey,
}

type keyResp struct {
	Key         string `json:"key,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

func exportKey(ctx *cli.Context) error {
	return writeExportedKey(getKeyStore(ctx), os.Stdout)
}

func writeExportedKey(ks lnencrypt.KeyStore, w io.Writer) error {
	secret, err := ks.LoadSecret()
	if err != nil {
		return err
	}

	return printJSON(w, &keyResp{
		Key:         secret.Hex(),
		Fingerprint: secret.Fingerprint(),
	})
}

var importKeyCommand = cli.Command{
	Name:      "importkey",
	Category:  "Encryption",
	Usage:     "Import the encryption key exported by another device.",
	ArgsUsage: "key",
	Description: `
	Store the hex encoded key exported by another device of the same node.
	A device waiting for the key resumes syncing once lnsyncd is restarted.

	An existing different key is only replaced with --force, since data
	sealed with it becomes unreadable.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "force",
			Usage: "replace an existing different key",
		},
	},
	Action: importKey,
}

func importKey(ctx *cli.Context) error {
	if !ctx.Args().Present() {
		return cli.ShowCommandHelp(ctx, "importkey")
	}

	return storeImportedKey(
		getKeyStore(ctx), ctx.Args().First(), ctx.Bool("force"),
		os.Stdout,
	)
}

func storeImportedKey(ks lnencrypt.KeyStore, keyHex string, force bool,
	w io.Writer) error {

	secret, err := lnencrypt.SecretFromHex(strings.TrimSpace(keyHex))
	if err != nil {
		return err
	}

	existing, err := ks.LoadSecret()
	switch {
	case errors.Is(err, lnencrypt.ErrNoKey):

	case err != nil:
		return err

	case existing == secret:
		return printJSON(w, &keyResp{
			Fingerprint: secret.Fingerprint(),
		})

	case !force:
		return fmt.Errorf("a different key with fingerprint %v is "+
			"already stored, use --force to replace it",
			existing.Fingerprint())
	}

	if err := ks.StoreSecret(secret); err != nil {
		return err
	}

	return printJSON(w, &keyResp{Fingerprint: secret.Fingerprint()})
}
