// Package log wraps zerolog with a global logger and a handful of
// component-scoped constructors (WithComponent, WithAssetID, WithWorkerID,
// WithWalletID) so every package logs through the same timestamped,
// level-filtered, JSON-or-console output configured once at startup via
// Init.
package log
