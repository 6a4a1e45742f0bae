/*
Package types defines the data structures shared across KAPP: assets,
publishing attempts, wallets, and batches. AssetStore and WalletPool are
the only packages allowed to mutate these rows; everything else treats
them as read-only views returned from those stores.

Asset status moves through:

	pending -> queued -> assigned -> publishing -> published
	                                      |
	                                      v
	                                   failed -> queued (retry)

See the assetstore package documentation for the full state machine and
retry rules.
*/
package types
