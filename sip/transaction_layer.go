package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/log"
)

// TransactionLayerOptions tune a [TransactionLayer].
type TransactionLayerOptions struct {
	// ServerTransactionFactory builds server transactions,
	// [DefaultServerTransactionFactory] when nil.
	ServerTransactionFactory ServerTransactionFactory
	// ServerTransactionStore keeps active server transactions,
	// an in-memory store when nil.
	ServerTransactionStore ServerTransactionStore
	// ClientTransactionFactory builds client transactions,
	// [DefaultClientTransactionFactory] when nil.
	ClientTransactionFactory ClientTransactionFactory
	// ClientTransactionStore keeps active client transactions,
	// an in-memory store when nil.
	ClientTransactionStore ClientTransactionStore
	// Log is the layer logger, [log.Default] when nil.
	Log *slog.Logger
}

func (o *TransactionLayerOptions) srvTxFctr() ServerTransactionFactory {
	if o == nil || o.ServerTransactionFactory == nil {
		return DefaultServerTransactionFactory()
	}
	return o.ServerTransactionFactory
}

func (o *TransactionLayerOptions) srvTxStore() ServerTransactionStore {
	if o == nil || o.ServerTransactionStore == nil {
		return NewMemoryServerTransactionStore()
	}
	return o.ServerTransactionStore
}

func (o *TransactionLayerOptions) clnTxFctr() ClientTransactionFactory {
	if o == nil || o.ClientTransactionFactory == nil {
		return DefaultClientTransactionFactory()
	}
	return o.ClientTransactionFactory
}

func (o *TransactionLayerOptions) clnTxStore() ClientTransactionStore {
	if o == nil || o.ClientTransactionStore == nil {
		return NewMemoryClientTransactionStore()
	}
	return o.ClientTransactionStore
}

func (o *TransactionLayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransactionLayer routes inbound messages to their transactions.
//
// The layer subscribes to the transport and sits between it and the TU.
// Messages matching a stored transaction are fed into that transaction.
// Requests without a transaction go to the [TransactionLayer.OnRequest]
// callbacks, responses without a transaction are dropped.
type TransactionLayer struct {
	tp Transport
	cancOnReq,
	cancOnRes func()
	srvTxsStore ServerTransactionStore
	srvTxFctr   ServerTransactionFactory
	clnTxsStore ClientTransactionStore
	clnTxFctr   ClientTransactionFactory
	log         *slog.Logger

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	onReq types.CallbackManager[RequestHandler]
}

// NewTransactionLayer creates a [TransactionLayer] on top of the
// transport. Transport must be non-nil, options may be nil.
func NewTransactionLayer(tp Transport, opts *TransactionLayerOptions) (*TransactionLayer, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	txl := &TransactionLayer{
		tp:          tp,
		srvTxsStore: opts.srvTxStore(),
		srvTxFctr:   opts.srvTxFctr(),
		clnTxsStore: opts.clnTxStore(),
		clnTxFctr:   opts.clnTxFctr(),
		log:         opts.log(),
	}
	txl.cancOnReq = tp.OnRequest(txl.recvReq)
	txl.cancOnRes = tp.OnResponse(txl.recvRes)
	return txl, nil
}

func (txl *TransactionLayer) recvReq(ctx context.Context, req *InboundRequest) {
	tp, ok := ServerTransportFromContext(ctx)
	if !ok {
		tp = txl.tp
	}

	var txKey ServerTransactionKey
	if err := txKey.FillFromMessage(req); err != nil {
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"discarding inbound request due to transaction key error",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		respondStateless(ctx, tp, req, ResponseStatusBadRequest)
		return
	}

	tx, err := txl.srvTxsStore.Load(ctx, txKey)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		txl.passReqToCore(ctx, tp, req)
		return
	case err != nil:
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"discarding inbound request due to transaction load error",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		respondStateless(ctx, txl.tp, req, ResponseStatusServerInternalError)
		return
	}

	if err := tx.RecvRequest(ctx, req); err != nil {
		if errors.Is(err, ErrTransactionNotMatched) {
			txl.log.LogAttrs(ctx, slog.LevelDebug,
				"discarding inbound request due to transaction mismatch",
				slog.Any("request", req),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
			if txl.closing.Load() {
				respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
				return
			}
			respondStateless(ctx, txl.tp, req, ResponseStatusCallTransactionDoesNotExist)
			return
		}

		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"discarding inbound request due to transaction receive error",
			slog.Any("request", req),
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		return
	}
}

// passReqToCore hands a request that matched no transaction to the
// registered request handlers. Without handlers, or while the layer is
// closing, the request earns a stateless 503.
func (txl *TransactionLayer) passReqToCore(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	if txl.closing.Load() {
		respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
		return
	}

	var handled bool
	txl.onReq.Range(func(fn RequestHandler) {
		handled = true
		fn(ctx, req)
	})
	if !handled {
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"discarding inbound request due to missing transaction layer request handlers",
			slog.Any("request", req),
		)
		respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
	}
}

func (txl *TransactionLayer) recvRes(ctx context.Context, res *InboundResponse) {
	var txKey ClientTransactionKey
	if err := txKey.FillFromMessage(res); err != nil {
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"silently discard inbound response due to transaction key error",
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}

	tx, err := txl.clnTxsStore.Load(ctx, txKey)
	if err != nil {
		lvl, msg := slog.LevelWarn, "silently discard inbound response due to transaction load error"
		if errors.Is(err, ErrTransactionNotFound) {
			lvl, msg = slog.LevelDebug, "silently discard inbound response due to missing corresponding transaction"
		}
		txl.log.LogAttrs(ctx, lvl, msg,
			slog.Any("response", res),
			slog.Any("error", err),
		)
		return
	}

	if err := tx.RecvResponse(ctx, res); err != nil {
		txl.log.LogAttrs(ctx, slog.LevelWarn,
			"silently discard inbound response due to transaction receive error",
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

// Close terminates every stored transaction and detaches the layer
// from the transport. Further Close calls return the first result.
func (txl *TransactionLayer) Close(ctx context.Context) error {
	txl.closing.Store(true)
	txl.closeOnce.Do(func() {
		txl.closeErr = txl.close(ctx)
	})
	return errtrace.Wrap(txl.closeErr)
}

func (txl *TransactionLayer) close(ctx context.Context) error {
	if txl.closed.Load() {
		return nil
	}

	errs := terminateStoredTxs(ctx, txl.clnTxsStore, "client")
	errs = append(errs, terminateStoredTxs(ctx, txl.srvTxsStore, "server")...)

	if txl.cancOnReq != nil {
		txl.cancOnReq()
	}
	if txl.cancOnRes != nil {
		txl.cancOnRes()
	}

	txl.closed.Store(true)

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction layer:", errs...))
}

func terminateStoredTxs[K comparable, T Transaction](ctx context.Context, store TransactionStore[K, T], kind string) []error {
	txs, err := store.All(ctx)
	if err != nil {
		return []error{fmt.Errorf("load %s transactions: %w", kind, err)}
	}

	var errs []error
	for key, tx := range txs {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s transaction %v: %w", kind, key, err))
		}
	}
	return errs
}

// OnRequest registers a callback for inbound requests that matched no
// stored transaction.
func (txl *TransactionLayer) OnRequest(fn RequestHandler) (cancel func()) {
	return txl.onReq.Add(fn)
}

// NewClientTransaction builds a client transaction through the layer's
// factory, stores it, and evicts it once it terminates.
func (txl *TransactionLayer) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	tx, err := txl.clnTxFctr.NewClientTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, _ := GetClientTransactionKey(tx)
	if err = txl.clnTxsStore.Store(ctx, key, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	evictOnTerminate(txl.clnTxsStore, key, tx, txl.log, "client")
	return tx, nil
}

// NewServerTransaction builds a server transaction through the layer's
// factory, stores it, and evicts it once it terminates.
func (txl *TransactionLayer) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txl.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	tx, err := txl.srvTxFctr.NewServerTransaction(ctx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, _ := GetServerTransactionKey(tx)
	if err = txl.srvTxsStore.Store(ctx, key, tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	evictOnTerminate(txl.srvTxsStore, key, tx, txl.log, "server")
	return tx, nil
}

// evictOnTerminate drops the transaction from the store once it reaches
// the terminated state.
func evictOnTerminate[K comparable, T Transaction](store TransactionStore[K, T], key K, tx T, logger *slog.Logger, kind string) {
	tx.OnStateChanged(func(ctx context.Context, _, to TransactionState) {
		if to != TransactionStateTerminated {
			return
		}
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			logger.LogAttrs(ctx, slog.LevelError, "failed to delete "+kind+" transaction from store",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
	})
}
