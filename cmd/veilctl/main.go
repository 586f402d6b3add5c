// veilctl is the device-side companion tool: vault key lifecycle,
// photo sealing, burner keypairs and pairing bundles. The server never
// runs any of this; everything here stays on the owner's machine.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"veil/pkg/burner"
	"veil/pkg/fragment"
	"veil/pkg/keys"
	"veil/pkg/pairing"
	"veil/pkg/vaultcrypt"
	"veil/svc/util"
)

const sealTimeout = 2 * time.Minute

func main() {
	util.InitLog("warn", true)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = cmdKeygen()
	case "restore":
		err = cmdRestore(os.Args[2:])
	case "seal":
		err = cmdSeal(os.Args[2:])
	case "open":
		err = cmdOpen(os.Args[2:])
	case "mint":
		err = cmdMint(os.Args[2:])
	case "decrypt":
		err = cmdDecrypt(os.Args[2:])
	case "pair-export":
		err = cmdPairExport(os.Args[2:])
	case "pair-import":
		err = cmdPairImport(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: veilctl <command> [flags]

  keygen                 generate a vault key, store it, print the recovery phrase
  restore                restore the vault key from a recovery phrase
  seal                   encrypt a photo into the vault format
  open                   decrypt a sealed photo
  mint                   mint a burner keypair and print the link fragment
  decrypt                decrypt a received burner envelope
  pair-export            export a pairing bundle for a new device
  pair-import            import a pairing bundle`)
}

func cmdKeygen() error {
	key, err := keys.Generate()
	if err != nil {
		return err
	}
	defer util.Wipe(key)
	if err := keys.NewKeystore().Store(key); err != nil {
		return err
	}
	phrase, err := keys.ToPhrase(key)
	if err != nil {
		return err
	}
	hash, err := keys.Hash(key)
	if err != nil {
		return err
	}
	fmt.Println("recovery phrase (write it down, it is shown once):")
	fmt.Println(phrase)
	fmt.Println("key hash:", hash)
	return nil
}

func cmdRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	phrase := fs.String("phrase", "", "24-word recovery phrase")
	fs.Parse(args)
	key, err := keys.FromPhrase(*phrase)
	if err != nil {
		return err
	}
	defer util.Wipe(key)
	if err := keys.NewKeystore().Store(key); err != nil {
		return err
	}
	hash, err := keys.Hash(key)
	if err != nil {
		return err
	}
	fmt.Println("vault key restored, key hash:", hash)
	return nil
}

func loadVaultKey() ([]byte, error) {
	key, ok, err := keys.NewKeystore().Load()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no vault key on this device, run keygen or restore first")
	}
	return key, nil
}

func cmdSeal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	in := fs.String("in", "", "photo to encrypt")
	out := fs.String("out", "", "output file")
	workers := fs.Int("workers", 0, "sealer workers (0 = all CPUs)")
	fs.Parse(args)
	if *in == "" || *out == "" {
		return fmt.Errorf("seal: -in and -out are required")
	}
	key, err := loadVaultKey()
	if err != nil {
		return err
	}
	defer util.Wipe(key)
	plaintext, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	pool := vaultcrypt.NewPool(16)
	if err := pool.Start(*workers); err != nil {
		return err
	}
	defer pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), sealTimeout)
	defer cancel()
	_, ch, err := pool.SubmitSeal(ctx, plaintext, key)
	if err != nil {
		return err
	}
	res := <-ch
	if res.Err != nil {
		return res.Err
	}
	var buf bytes.Buffer
	buf.Write(res.Nonce)
	buf.Write(res.Ciphertext)
	return os.WriteFile(*out, buf.Bytes(), 0600)
}

func cmdOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	in := fs.String("in", "", "sealed file")
	out := fs.String("out", "", "output file")
	fs.Parse(args)
	if *in == "" || *out == "" {
		return fmt.Errorf("open: -in and -out are required")
	}
	key, err := loadVaultKey()
	if err != nil {
		return err
	}
	defer util.Wipe(key)
	raw, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	if len(raw) <= vaultcrypt.NonceSize {
		return fmt.Errorf("open: file too short to be a sealed photo")
	}

	pool := vaultcrypt.NewPool(16)
	if err := pool.Start(0); err != nil {
		return err
	}
	defer pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), sealTimeout)
	defer cancel()
	_, ch, err := pool.SubmitOpen(ctx, raw[vaultcrypt.NonceSize:], raw[:vaultcrypt.NonceSize], key)
	if err != nil {
		return err
	}
	res := <-ch
	if res.Err != nil {
		return res.Err
	}
	return os.WriteFile(*out, res.Plaintext, 0600)
}

func cmdMint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	slug := fs.String("slug", "", "link slug returned by the server")
	keyOut := fs.String("key-out", "", "file for the burner private key")
	fs.Parse(args)
	if *slug == "" || *keyOut == "" {
		return fmt.Errorf("mint: -slug and -key-out are required")
	}
	pair, err := burner.Mint()
	if err != nil {
		return err
	}
	defer util.Wipe(pair.PrivateKey)
	if err := os.WriteFile(*keyOut, []byte(base64.StdEncoding.EncodeToString(pair.PrivateKey)), 0600); err != nil {
		return err
	}
	fmt.Println("public key:", base64.StdEncoding.EncodeToString(pair.PublicKey))
	fmt.Println("fragment:  ", fragment.Build(*slug, pair.PublicKey))
	return nil
}

func cmdDecrypt(args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	in := fs.String("in", "", "envelope JSON file")
	keyIn := fs.String("key", "", "burner private key file")
	out := fs.String("out", "", "output file")
	fs.Parse(args)
	if *in == "" || *keyIn == "" || *out == "" {
		return fmt.Errorf("decrypt: -in, -key and -out are required")
	}
	rawKey, err := os.ReadFile(*keyIn)
	if err != nil {
		return err
	}
	priv, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(rawKey)))
	if err != nil {
		return fmt.Errorf("decrypt: malformed key file")
	}
	defer util.Wipe(priv)
	raw, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	var env burner.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decrypt: malformed envelope")
	}
	plaintext, err := burner.Decrypt(&env, priv)
	if err != nil {
		return err
	}
	return os.WriteFile(*out, plaintext, 0600)
}

func cmdPairExport(args []string) error {
	fs := flag.NewFlagSet("pair-export", flag.ExitOnError)
	out := fs.String("out", "", "bundle output file")
	keyFiles := fs.String("keys", "", "burner keys to include, comma-separated slug=keyfile pairs")
	fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("pair-export: -out is required")
	}
	burnerKeys, err := loadBurnerKeys(*keyFiles)
	if err != nil {
		return err
	}
	key, err := loadVaultKey()
	if err != nil {
		return err
	}
	defer util.Wipe(key)
	bundle, err := pairing.Export(key, burnerKeys)
	for _, bk := range burnerKeys {
		util.Wipe(bk.Pair.PrivateKey)
	}
	if err != nil {
		return err
	}
	raw, err := bundle.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(*out, raw, 0600)
}

// loadBurnerKeys parses -keys entries of the form slug=keyfile, where
// each keyfile holds a base64 private key as written by mint -key-out.
func loadBurnerKeys(spec string) ([]pairing.BurnerKey, error) {
	if spec == "" {
		return nil, nil
	}
	var out []pairing.BurnerKey
	for _, entry := range strings.Split(spec, ",") {
		slug, file, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || slug == "" || file == "" {
			return nil, fmt.Errorf("pair-export: malformed -keys entry %q, want slug=keyfile", entry)
		}
		rawKey, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		priv, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(rawKey)))
		if err != nil {
			return nil, fmt.Errorf("pair-export: malformed key file %s", file)
		}
		pub, err := burner.PublicKeyFor(priv)
		if err != nil {
			return nil, fmt.Errorf("pair-export: %s does not hold a burner private key", file)
		}
		out = append(out, pairing.BurnerKey{
			Slug: slug,
			Pair: &burner.KeyPair{PublicKey: pub, PrivateKey: priv},
		})
	}
	return out, nil
}

func cmdPairImport(args []string) error {
	fs := flag.NewFlagSet("pair-import", flag.ExitOnError)
	in := fs.String("in", "", "bundle file")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("pair-import: -in is required")
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	res, err := pairing.Import(raw)
	if err != nil {
		return err
	}
	defer util.Wipe(res.VaultKey)
	if err := keys.NewKeystore().Store(res.VaultKey); err != nil {
		return err
	}
	hash, err := keys.Hash(res.VaultKey)
	if err != nil {
		return err
	}
	fmt.Printf("imported vault key %s (%d burner keys, %d skipped)\n", hash, res.Imported, res.Skipped)
	return nil
}
