package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// readJSON best-effort reads path into out; a missing file is not an error.
func readJSON(path string, out any) error {
	b, err := readFile(path)
	if err != nil {
		return err
	}
	if b == nil { // file didn't exist
		return nil
	}
	return json.Unmarshal(b, out)
}

// readFile reads the file at path into b; a missing file is not an error.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeJSON writes JSON via a temp file then rename.
func writeJSON(path string, v any, mode os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, b, mode)
}

// readSealed opens the sealed record at path; ok is false when it is absent.
func readSealed(ks *Keystore, path string) (raw []byte, ok bool, err error) {
	var b blob
	data, err := readFile(path)
	if err != nil || data == nil {
		return nil, false, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false, err
	}
	raw, err = ks.open(filepath.Base(path), b)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// writeSealed seals raw and writes it via writeFile.
func writeSealed(ks *Keystore, path string, raw []byte) error {
	b, err := ks.seal(filepath.Base(path), raw)
	if err != nil {
		return err
	}
	return writeJSON(path, b, 0o600)
}

// readSealedJSON opens a sealed JSON record into out; a missing file is not an error.
func readSealedJSON(ks *Keystore, path string, out any) (bool, error) {
	raw, ok, err := readSealed(ks, path)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func writeSealedJSON(ks *Keystore, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSealed(ks, path, raw)
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
