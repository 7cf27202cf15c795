// Package tokenstore persists the federated-identity credential record for the
// insights platform.
//
// A single StoredAuth record is kept per storage path, serialized as JSON and
// sealed with AES-256-GCM. The on-disk form is "ivHex:authTagHex:cipherHex".
//
// The encryption key is derived with scrypt from the current OS user and the
// configured platform URL plus a fixed salt. Anyone who can run code as the same
// user can recompute it, so the encryption is obfuscation and not a defence
// against a local attacker. Records that cannot be decrypted or parsed are
// treated as absent, which forces a clean re-authentication instead of an error.
package tokenstore
