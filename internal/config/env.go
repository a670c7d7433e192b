package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOr retrieves a string environment variable with a default.
func getEnvOr(key, fallback string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return fallback, nil
}

// getEnvAsUint64Or retrieves an environment variable as a uint64 with a
// default. Returns error if set but invalid.
func getEnvAsUint64Or(key string, fallback uint64) (uint64, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns
// error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64Or retrieves an environment variable as a float64 with a
// default. Returns error if set but invalid.
func getEnvAsFloat64Or(key string, fallback float64) (float64, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsBoolOr retrieves an environment variable as a bool with a default.
func getEnvAsBoolOr(key string, fallback bool) (bool, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errors.New("environment variable " + key + " must be a valid bool, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsPubkey retrieves an environment variable as a base58 public key.
func getEnvAsPubkey(key string) (solana.PublicKey, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return solana.PublicKey{}, err
	}
	pk, err := solana.PublicKeyFromBase58(valueStr)
	if err != nil {
		return solana.PublicKey{}, errors.New("environment variable " + key + " must be a valid base58 public key, got: " + valueStr)
	}
	return pk, nil
}

// getEnvAsPubkeyOr retrieves an environment variable as a base58 public key
// with a default. Returns error if set but invalid.
func getEnvAsPubkeyOr(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(valueStr)
	if err != nil {
		return solana.PublicKey{}, errors.New("environment variable " + key + " must be a valid base58 public key, got: " + valueStr)
	}
	return pk, nil
}

// getEnvAsPubkeyListOr retrieves an environment variable as a comma-separated
// list of base58 public keys. Missing or empty means an empty list.
func getEnvAsPubkeyListOr(key string) ([]solana.PublicKey, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return nil, nil
	}
	keys, err := parsePubkeyList(valueStr)
	if err != nil {
		return nil, errors.New("environment variable " + key + ": " + err.Error())
	}
	return keys, nil
}
