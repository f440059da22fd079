package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/btcpayserver/lnsync/devicedb"
	"github.com/btcpayserver/lnsync/lnencrypt"
	"github.com/stretchr/testify/require"
)

// TestWriteDeviceID checks that the printed id is the persisted one.
func TestWriteDeviceID(t *testing.T) {
	t.Parallel()

	db := devicedb.MakeTestDB(t)
	id, err := db.FetchOrCreateDeviceID()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeDeviceID(db, &buf))

	var resp deviceIDResp
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, id.String(), resp.DeviceID)
}

// TestWriteOutbox checks that pending mutations are listed in order.
func TestWriteOutbox(t *testing.T) {
	t.Parallel()

	db := devicedb.MakeTestDB(t)

	_, err := db.PutEntity(devicedb.KindSetting, "fee", []byte{1}, true)
	require.NoError(t, err)
	_, err = db.PutEntity(devicedb.KindSetting, "fee", []byte{2}, true)
	require.NoError(t, err)

	// Rows that are not backed up never reach the outbox.
	_, err = db.PutEntity(devicedb.KindSetting, "ui", []byte{3}, false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeOutbox(db, &buf))

	var resp listOutboxResp
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Items, 2)

	key := devicedb.EntityKey(devicedb.KindSetting, "fee")
	require.Equal(t, key, resp.Items[0].Key)
	require.Equal(t, "insert", resp.Items[0].Action)
	require.Equal(t, "update", resp.Items[1].Action)
	require.Less(t, resp.Items[0].Version, resp.Items[1].Version)
}

// TestWriteChannel checks that a channel can be looked up by an alias.
func TestWriteChannel(t *testing.T) {
	t.Parallel()

	db := devicedb.MakeTestDB(t)

	_, err := db.PutChannelState(
		[]string{"chan-a", "scid-1"}, []byte{0xab, 0xcd}, 3,
	)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeChannel(db, "scid-1", true, &buf))

	var resp channelResp
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Equal(t, "chan-a", resp.CanonicalID)
	require.Equal(t, []string{"scid-1"}, resp.AliasIDs)
	require.EqualValues(t, 3, resp.Checkpoint)
	require.Equal(t, 2, resp.DataSize)
	require.Equal(t, "abcd", resp.Data)

	err = writeChannel(db, "unknown", false, &buf)
	require.ErrorIs(t, err, devicedb.ErrChannelNotFound)
}

// TestKeyExportImport checks that a key exported on one device is accepted
// by another and that a different key is only replaced when forced.
func TestKeyExportImport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := lnencrypt.NewFileKeyStore(filepath.Join(dir, "first.key"))
	second := lnencrypt.NewFileKeyStore(filepath.Join(dir, "second.key"))

	secret, err := lnencrypt.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, first.StoreSecret(secret))

	var buf bytes.Buffer
	require.NoError(t, writeExportedKey(first, &buf))

	var exported keyResp
	require.NoError(t, json.Unmarshal(buf.Bytes(), &exported))
	require.Equal(t, secret.Fingerprint(), exported.Fingerprint)

	buf.Reset()
	require.NoError(t, storeImportedKey(second, exported.Key, false, &buf))

	imported, err := second.LoadSecret()
	require.NoError(t, err)
	require.Equal(t, secret, imported)

	// Importing the same key again is a no-op.
	require.NoError(t, storeImportedKey(second, exported.Key, false, &buf))

	other, err := lnencrypt.GenerateSecret()
	require.NoError(t, err)

	err = storeImportedKey(second, other.Hex(), false, &buf)
	require.ErrorContains(t, err, "--force")

	require.NoError(t, storeImportedKey(second, other.Hex(), true, &buf))
	imported, err = second.LoadSecret()
	require.NoError(t, err)
	require.Equal(t, other, imported)

	require.Error(t, storeImportedKey(second, "zz", true, &buf))
}

// TestExportWithoutKey checks that exporting fails cleanly without a key.
func TestExportWithoutKey(t *testing.T) {
	t.Parallel()

	ks := lnencrypt.NewFileKeyStore(filepath.Join(t.TempDir(), "none.key"))

	var buf bytes.Buffer
	err := writeExportedKey(ks, &buf)
	require.ErrorIs(t, err, lnencrypt.ErrNoKey)
}
