package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

const jwtSecretBytes = 48 // base64-encodes to 64 chars, comfortably above the 32-byte minimum

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a JWT signing secret",
		Long:  "Generates a random signing secret for JWT_SECRET and prints it base64-encoded.\nUse with: export JWT_SECRET=<output>",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, jwtSecretBytes)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(buf))
			return nil
		},
	}
}
