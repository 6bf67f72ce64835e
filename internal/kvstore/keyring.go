package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

// keyringIndexKey names the keyring item that lists every stored key,
// since OS keyrings cannot enumerate the items of a service.
const keyringIndexKey = "__forestmail_index__"

// KeyringStore keeps each key as a separate item in the OS-native credential store.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
type KeyringStore struct {
	service string
	user    string
	mu      sync.Mutex
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given service and user identifiers.
// Item names are "<user>/<key>" under the service.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

func (k *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.service, k.item(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring item %q: %w", key, err)
	}
	return value, nil
}

func (k *KeyringStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, k.item(key), value); err != nil {
		return fmt.Errorf("writing keyring item %q: %w", key, err)
	}

	index, err := k.readIndex()
	if err != nil {
		return err
	}
	if _, ok := index[key]; ok {
		return nil
	}
	index[key] = struct{}{}
	return k.writeIndex(index)
}

func (k *KeyringStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Delete(k.service, k.item(key)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring item %q: %w", key, err)
	}

	index, err := k.readIndex()
	if err != nil {
		return err
	}
	if _, ok := index[key]; !ok {
		return nil
	}
	delete(index, key)
	return k.writeIndex(index)
}

func (k *KeyringStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	index, err := k.readIndex()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (k *KeyringStore) item(key string) string {
	return k.user + "/" + key
}

func (k *KeyringStore) readIndex() (map[string]struct{}, error) {
	index := make(map[string]struct{})

	raw, err := keyring.Get(k.service, k.item(keyringIndexKey))
	if errors.Is(err, keyring.ErrNotFound) {
		return index, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring index: %w", err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}
	for _, key := range keys {
		index[key] = struct{}{}
	}
	return index, nil
}

func (k *KeyringStore) writeIndex(index map[string]struct{}) error {
	keys := make([]string, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if err := keyring.Set(k.service, k.item(keyringIndexKey), string(raw)); err != nil {
		return fmt.Errorf("writing keyring index: %w", err)
	}
	return nil
}
