package statestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"fluxdnsd/cluster"
)

// EtcdStore keeps the state under /<prefix>/<app>/. The encoded state and
// its revision are written in one transaction guarded by a comparison on
// the previous revision.
type EtcdStore struct {
	kv      clientv3.KV
	prefix  string
	appName string
	log     *zap.Logger
}

// NewEtcdStore takes any clientv3.KV, usually a *clientv3.Client.
func NewEtcdStore(kv clientv3.KV, prefix string, appName string, log *zap.Logger) *EtcdStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdStore{
		kv:      kv,
		prefix:  prefix,
		appName: appName,
		log:     log.Named("etcd-store").With(zap.String("app", appName)),
	}
}

func (etcd *EtcdStore) appPrefix() string {
	return "/" + etcd.prefix + "/" + etcd.appName
}

func (etcd *EtcdStore) stateKey() string {
	return etcd.appPrefix() + "/cluster-state"
}

func (etcd *EtcdStore) revisionKey() string {
	return etcd.appPrefix() + "/cluster-state-rev"
}

func (etcd *EtcdStore) Load(ctx context.Context) (Snapshot, error) {
	resp, err := etcd.kv.Get(ctx, etcd.appPrefix()+"/", clientv3.WithPrefix())
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get cluster state from etcd: %w", err)
	}

	var snap Snapshot
	var stateBytes []byte
	for _, kv := range resp.Kvs {
		switch string(kv.Key) {
		case etcd.stateKey():
			stateBytes = kv.Value
		case etcd.revisionKey():
			snap.Revision = string(kv.Value)
		default:
			etcd.log.Warn("Ignoring unexpected key in app prefix", zap.ByteString("key", kv.Key))
		}
	}

	if err := checkRevision(snap.Revision); err != nil {
		return Snapshot{Revision: snap.Revision}, err
	}
	if stateBytes == nil {
		return snap, nil
	}

	state, err := cluster.Decode(stateBytes)
	if err != nil {
		return Snapshot{Revision: snap.Revision}, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	snap.State = state
	return snap, nil
}

func (etcd *EtcdStore) Save(ctx context.Context, prev string, state cluster.State) (string, error) {
	compare := clientv3.Compare(clientv3.CreateRevision(etcd.revisionKey()), "=", 0)
	if prev != "" {
		compare = clientv3.Compare(clientv3.Value(etcd.revisionKey()), "=", prev)
	}

	next := uuid.NewString()
	txnResp, err := etcd.kv.Txn(ctx).If(
		compare,
	).Then(
		clientv3.OpPut(etcd.revisionKey(), next),
		clientv3.OpPut(etcd.stateKey(), string(cluster.Encode(state))),
	).Commit()
	if err != nil {
		return "", fmt.Errorf("failed to commit cluster state transaction: %w", err)
	}
	if !txnResp.Succeeded {
		return "", ErrConflict
	}

	return next, nil
}
