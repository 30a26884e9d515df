//go:build !darwin

package vault

import (
	"context"
	"errors"
)

var errKeychainUnavailable = errors.New("keychain backend only available on darwin")

type KeychainVault struct{}

func NewKeychainVault() (*KeychainVault, error) {
	return nil, errKeychainUnavailable
}

func (v *KeychainVault) Get(context.Context, string) (string, error) {
	return "", errKeychainUnavailable
}

func (v *KeychainVault) Set(context.Context, string, string) error {
	return errKeychainUnavailable
}

func (v *KeychainVault) Delete(context.Context, string) error {
	return errKeychainUnavailable
}
