package testutil

import (
	"sync"
	"testing"

	"github.com/MGallo-Code/boxgate/internal/keyvault"
)

var (
	vaultOnce sync.Once
	vault     *keyvault.Vault
	vaultErr  error
)

// Vault returns a process-wide 2048-bit test vault. Key generation is slow,
// so every test in a binary shares one key.
func Vault(t testing.TB) *keyvault.Vault {
	t.Helper()
	vaultOnce.Do(func() {
		priv, err := keyvault.Generate(keyvault.MinKeyBits)
		if err != nil {
			vaultErr = err
			return
		}
		vault, vaultErr = keyvault.New(priv)
	})
	if vaultErr != nil {
		t.Fatalf("test vault: %v", vaultErr)
	}
	return vault
}
