package guardian

import (
	"fmt"
	"strings"

	"vaultguard/pkg/models"
)

func loadSettings(tx Tx) (models.Settings, error) {
	settings, err := tx.Settings()
	if err != nil {
		return models.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Initialized {
		return models.Settings{}, ErrNotInitialized
	}
	return settings, nil
}

// requireAdmin fails with the generic ErrUnauthorized for any non-admin caller.
func requireAdmin(tx Tx, caller string) (models.Settings, error) {
	settings, err := loadSettings(tx)
	if err != nil {
		return models.Settings{}, err
	}
	if caller == "" || caller != settings.Config.Admin {
		return models.Settings{}, ErrUnauthorized
	}
	return settings, nil
}

func requireGuardian(tx Tx, caller string) (models.Settings, error) {
	settings, err := loadSettings(tx)
	if err != nil {
		return models.Settings{}, err
	}
	if caller == "" {
		return models.Settings{}, ErrNotGuardian
	}
	ok, err := tx.HasGuardian(caller)
	if err != nil {
		return models.Settings{}, fmt.Errorf("check guardian: %w", err)
	}
	if !ok {
		return models.Settings{}, ErrNotGuardian
	}
	return settings, nil
}

// lookupIdentity trims an identity used only as a read key; blank stays blank.
func lookupIdentity(id string) string {
	return strings.TrimSpace(id)
}

func normalizeIdentity(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidIdentity
	}
	return id, nil
}
