// Package main is a development utility for generating a detector token with
// its bcrypt hash pre-computed. It prints the raw token, the hash to place in
// security.detector_token_hashes, and a ready-to-export environment variable so
// developers can quickly wire a local violation detector against the server.
// Do not use generated tokens in production — mint them through your secret
// management pipeline and distribute only the hashes.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		log.Fatal(err)
	}

	token := fmt.Sprintf("det_%s", base64.RawURLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(token), 10)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Detector Token Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nToken: %s\n", token)
	fmt.Printf("\nHash: %s\n", string(hashBytes))
	fmt.Println("\n==========================================================")
	fmt.Println("Server configuration:")
	fmt.Println("==========================================================")
	fmt.Printf("\nexport CMP_SECURITY_DETECTOR_TOKEN_HASHES='%s'\n", string(hashBytes))
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", token)
	fmt.Println("==========================================================")
}
