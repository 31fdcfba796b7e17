package peersmgr

import (
	"context"

	"github.com/go-faster/errors"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const dialogsBatchSize = 100

// WarmupIfEmpty при пустом кэше выгружает все диалоги аккаунта, сохраняет
// их сущности в bbolt и переносит в peers.Manager. Без этого access_hash
// каналов-источников неизвестен до первого апдейта из них.
func (s *Service) WarmupIfEmpty(ctx context.Context, api *tg.Client) error {
	empty, err := s.isDatabaseEmpty()
	if err != nil {
		return errors.Wrap(err, "peersmgr: check db empty")
	}
	if !empty {
		return nil
	}
	return s.RefreshDialogs(ctx, api)
}

// RefreshDialogs перечитывает список диалогов и обновляет кэш.
func (s *Service) RefreshDialogs(ctx context.Context, api *tg.Client) error {
	if api == nil {
		api = s.Mgr.API()
	}
	iter := query.GetDialogs(api).BatchSize(dialogsBatchSize).Iter()
	if err := contribstorage.CollectPeers(s.store).Dialogs(ctx, iter); err != nil {
		return errors.Wrap(err, "peersmgr: collect dialogs")
	}
	return s.LoadFromStorage(ctx)
}

func (s *Service) isDatabaseEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(peersBucketBytes); bucket != nil {
			key, _ := bucket.Cursor().First()
			empty = key == nil
		}
		return nil
	})
	return empty, err
}
