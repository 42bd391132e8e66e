package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mensago/mensagod/cli"
	"github.com/mensago/mensagod/crypto"
	"github.com/mensago/mensagod/keycard"
	"github.com/mensago/mensagod/server"
	"github.com/mensago/mensagod/storage/kv/leveldbkv"
	"github.com/mensago/mensagod/store"
)

var initCmd = cli.NewInitCommand("mensagod", func(cmd *cobra.Command, args []string) {
	dir := cmd.Flag("dir").Value.String()
	if err := initServer(dir,
		cmd.Flag("domain").Value.String(),
		cmd.Flag("name").Value.String(),
		cmd.Flag("listen").Value.String()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
})

func init() {
	initCmd.Flags().StringP("dir", "d", ".",
		"Directory for the configuration, keys, and database")
	initCmd.Flags().StringP("domain", "D", "localhost",
		"Domain this server is authoritative for")
	initCmd.Flags().StringP("name", "n", "Example Organization",
		"Organization name for the root keycard entry")
	initCmd.Flags().StringP("listen", "l", "127.0.0.1:2001",
		"Address to listen on")
}

// initServer creates the runtime directory: config file, org keypairs, and
// a database seeded with the organization's root keycard entry.
func initServer(dir, domain, orgName, listen string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	cfg := server.DefaultConfig(dir)
	cfg.Server.Domain = domain
	cfg.Server.Listen = listen

	keys, err := server.GenerateOrgKeys()
	if err != nil {
		return err
	}
	if err = server.SaveOrgKeys(keys, cfg.Server.KeysFile); err != nil {
		return err
	}

	db, err := leveldbkv.OpenDB(cfg.Server.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	entry := keycard.NewOrgEntry()
	entry.SetFields(map[string]string{
		"Name":                     orgName,
		"Domain":                   domain,
		"Contact-Admin":            "admin/" + domain,
		"Primary-Verification-Key": keys.Signing.PublicKey.AsString(),
		"Encryption-Key":           keys.Encryption.PublicKey.AsString(),
	})
	if err = entry.GenerateHash(crypto.DefaultHashAlgorithm); err != nil {
		return err
	}
	if err = entry.Sign(keys.Signing.PrivateKey, "Organization"); err != nil {
		return err
	}
	if err = store.New(db).AppendEntry(entry); err != nil {
		return err
	}

	configPath := filepath.Join(dir, "config.toml")
	if err = cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Println("configuration written to " + configPath)
	return nil
}
