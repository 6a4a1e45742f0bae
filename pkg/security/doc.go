// Package security provides the AES-256-GCM primitive WalletPool uses to
// keep wallet signing secrets encrypted at rest.
package security
