package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var keygenFlags struct {
	output string
	force  bool
	stdout bool
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new Ed25519 device identity",
	Long: `Generate a device keypair for an orchestrator or client device.

This is an operator/bootstrap convenience: the relay server itself never
generates device keys, only verifies signatures against keys presented
during auth or pairing approval.

Examples:
  # Generate a key and print the seed, device id, and public key
  ccbox-relayd keygen --stdout

  # Write the private seed to a file (0600)
  ccbox-relayd keygen -o ./device.key`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenFlags.output, "output", "o", "", "Write the private seed to this path (hex-encoded)")
	keygenCmd.Flags().BoolVarP(&keygenFlags.force, "force", "f", false, "Overwrite an existing output file")
	keygenCmd.Flags().BoolVar(&keygenFlags.stdout, "stdout", false, "Print the private seed to stdout instead of saving")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate device key: %w", err)
	}
	seed := priv.Seed()
	seedHex := hex.EncodeToString(seed)

	// device_id is UUID-typed on the wire (spec.md's Connection/TrustedDevice
	// fields, enforced by the relay's auth/hello handler via uuid.Parse), so
	// the bootstrap helper mints one here rather than deriving it from the key.
	deviceID := uuid.NewString()
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	if keygenFlags.stdout {
		fmt.Println(seedHex)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "device_id: "+deviceID)
		fmt.Fprintln(os.Stderr, "public_key_b64: "+pubB64)
		return nil
	}

	outputPath := keygenFlags.output
	if outputPath == "" {
		outputPath = "./device.key"
	}

	if _, err := os.Stat(outputPath); err == nil && !keygenFlags.force {
		return fmt.Errorf("key file already exists: %s (use --force to overwrite)", outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(outputPath, []byte(seedHex), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	fmt.Printf("device key written to: %s\n", outputPath)
	fmt.Println("device_id: " + deviceID)
	fmt.Println("public_key_b64: " + pubB64)
	return nil
}
