// Command keygen creates the box's RSA key pair.
//
// The private key is written as PKCS#8 PEM with mode 0600 and its path goes
// into BOX_PRIVATE_KEY_PATH. An existing file is never overwritten.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/MGallo-Code/boxgate/internal/keyvault"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		out  string
		bits int
	)
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	flagSet.StringVarP(&out, "out", "o", "box.pem", "path to write the private key")
	flagSet.IntVar(&bits, "bits", 3072, fmt.Sprintf("RSA modulus size (minimum %d)", keyvault.MinKeyBits))
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	priv, err := keyvault.Generate(bits)
	if err != nil {
		return err
	}
	raw, err := keyvault.EncodePrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	vault, err := keyvault.New(priv)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", out, err)
	}

	fmt.Printf("wrote %s (%d bits, key id %s)\n", out, bits, vault.KeyID())
	return nil
}
