/*
Package publish implements PublishExecutor, the component that performs a
single publish attempt against the DKG. It never touches AssetStore or
WalletPool directly — it returns a Result or an error, and the Worker
commits the outcome. The DKG itself is reached through an injected
DkgClient, the same interface-injection shape the teacher uses for its
health.Checker: the executor knows nothing about HTTP, signing, or wire
formats beyond the JSON-LD envelope it builds.
*/
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/content"
	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/types"
)

// CreateOptions are the publish-time parameters passed to DkgClient.Create,
// named to match the upstream DKG API's own field names so a request/
// response trace is directly comparable to the wire format.
type CreateOptions struct {
	EpochsNum                              int
	MinimumNumberOfFinalizationConfirmations int
	MinimumNumberOfNodeReplications         int
}

// Identity binds a DkgClient call to a specific signing wallet.
type Identity struct {
	Address string
	Secret  []byte
}

// PublishOperation mirrors the `operation` object the DKG returns alongside
// a UAL.
type PublishOperation struct {
	Status       string `json:"status"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	OperationID  string `json:"operationId,omitempty"`
}

// MintOperation carries the on-chain transaction recorded by a successful
// publish.
type MintOperation struct {
	TransactionHash string `json:"transactionHash,omitempty"`
}

// DkgResult is the shape DkgClient.Create returns.
type DkgResult struct {
	UAL       string `json:"UAL"`
	Operation struct {
		Publish               PublishOperation `json:"publish"`
		MintKnowledgeCollection MintOperation  `json:"mintKnowledgeCollection"`
	} `json:"operation"`
}

// DkgClient is the injected boundary to the external DKG network. Workers
// and tests supply real or fake implementations; PublishExecutor only
// depends on this interface.
type DkgClient interface {
	Create(ctx context.Context, wrapped []byte, opts CreateOptions, identity Identity) (DkgResult, error)
}

// Result is what a successful publish hands back to the Worker to commit.
type Result struct {
	UAL    string
	TxHash string
}

// Executor performs one publish attempt.
type Executor struct {
	content content.Store
	dkg     DkgClient
	logger  zerolog.Logger
}

// New wires an Executor to the ContentStore that owns payload bytes and
// the DkgClient that reaches the external network.
func New(contentStore content.Store, dkg DkgClient) *Executor {
	return &Executor{content: contentStore, dkg: dkg, logger: log.WithComponent("publish")}
}

// Publish loads asset's payload, wraps it per its privacy setting, and
// invokes the DKG client bound to wallet. It never mutates asset or
// wallet; the caller commits the result.
func (e *Executor) Publish(ctx context.Context, asset *types.Asset, wallet Identity) (Result, error) {
	r, err := e.content.Open(ctx, asset.ContentURL)
	if err != nil {
		return Result{}, kapperr.StorageFault("open asset content", err)
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return Result{}, kapperr.StorageFault("read asset content", err)
	}

	var doc json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Result{}, kapperr.Validation(fmt.Sprintf("asset %d content is not valid JSON-LD: %v", asset.ID, err))
	}

	privacy := asset.Privacy
	if privacy == "" {
		privacy = types.PrivacyPrivate
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{string(privacy): doc})
	if err != nil {
		return Result{}, fmt.Errorf("publish: wrap payload: %w", err)
	}

	opts := CreateOptions{
		EpochsNum: asset.Epochs,
		MinimumNumberOfFinalizationConfirmations: 3,
		MinimumNumberOfNodeReplications:           asset.Replications,
	}

	res, err := e.dkg.Create(ctx, wrapped, opts, wallet)
	if err != nil {
		return Result{}, kapperr.DkgAPI(fmt.Sprintf("asset %d publish call failed", asset.ID), err)
	}

	if res.Operation.Publish.ErrorType != "" || res.Operation.Publish.ErrorMessage != "" {
		return Result{}, &kapperr.Error{
			Kind:    kapperr.KindDkgAPI,
			Message: fmt.Sprintf("%s: %s", res.Operation.Publish.ErrorType, res.Operation.Publish.ErrorMessage),
		}
	}

	if res.UAL == "" {
		return Result{}, kapperr.MissingUAL(fmt.Sprintf("asset %d: dkg returned success with no UAL", asset.ID))
	}

	return Result{UAL: res.UAL, TxHash: res.Operation.MintKnowledgeCollection.TransactionHash}, nil
}
