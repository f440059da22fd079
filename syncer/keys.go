package syncer

import (
	"context"
	"fmt"

	"github.com/btcpayserver/lnsync/events"
	"github.com/btcpayserver/lnsync/lnencrypt"
)

// EncryptionKeyRequiresImport reports whether the device lacks the root
// secret while there is data sealed with it, either backup eligible local
// rows or any content on the remote store. Such a device must not generate
// a fresh secret and has to wait for the existing one to be imported.
func (e *Engine) EncryptionKeyRequiresImport(ctx context.Context) (bool,
	error) {

	haveKey, err := lnencrypt.HasSecret(e.cfg.KeyStore)
	if err != nil {
		return false, err
	}
	if haveKey {
		return false, nil
	}

	haveRows, err := e.cfg.Local.HasEligibleEntities()
	if err != nil {
		return false, err
	}
	if haveRows {
		return true, nil
	}

	remote, err := e.cfg.Remote.ListKeyVersions(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to list remote keys: %w", err)
	}

	return len(remote) > 0, nil
}

// EnsureEncryptionKey generates the root secret of a brand new node. It is a
// no-op when a secret exists and fails with lnencrypt.ErrNoKey when the
// secret must be imported instead.
func (e *Engine) EnsureEncryptionKey(ctx context.Context) error {
	haveKey, err := lnencrypt.HasSecret(e.cfg.KeyStore)
	if err != nil {
		return err
	}
	if haveKey {
		return nil
	}

	mustImport, err := e.EncryptionKeyRequiresImport(ctx)
	if err != nil {
		return err
	}
	if mustImport {
		return fmt.Errorf("%w: existing data requires the key to be "+
			"imported", lnencrypt.ErrNoKey)
	}

	secret, err := lnencrypt.GenerateSecret()
	if err != nil {
		return err
	}
	if err := e.cfg.KeyStore.StoreSecret(secret); err != nil {
		return fmt.Errorf("unable to store new secret: %w", err)
	}

	log.Infof("Generated new encryption key %v", secret.Fingerprint())

	return nil
}

// ImportEncryptionKey places an existing root secret in the keystore and
// announces it so a device waiting for the key resumes syncing.
func (e *Engine) ImportEncryptionKey(secret lnencrypt.Secret) error {
	if err := e.cfg.KeyStore.StoreSecret(secret); err != nil {
		return fmt.Errorf("unable to store imported secret: %w", err)
	}

	fingerprint := secret.Fingerprint()
	log.Infof("Imported encryption key %v", fingerprint)

	if e.cfg.Notifier == nil {
		return nil
	}

	return e.cfg.Notifier.Publish(events.EncryptionKeyImported{
		Fingerprint: fingerprint,
	})
}
