package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const identityFile = "sut_id"

// loadOrGenerateID returns this machine's stable SUT identity, persisting
// it to dataDir/sut_id on first generation.
func loadOrGenerateID(dataDir string) (string, error) {
	id, err := loadIdentityFile(dataDir)
	if err == nil {
		return id, nil
	}

	id = uuid.New().String()

	// Persist for future runs
	if err := saveIdentityFile(dataDir, id); err != nil {
		return "", err
	}
	return id, nil
}

func loadIdentityFile(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, identityFile))
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("empty identity file")
	}
	return id, nil
}

func saveIdentityFile(dataDir, id string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, identityFile), []byte(id+"\n"), 0o600)
}
