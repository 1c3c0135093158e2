// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package presence is the cluster-wide source of truth for which connection
// currently owns a uid, which tags a uid belongs to, and which messages were
// acknowledged by which uid. It is a thin key scheme over storage.Store; every
// call is a single independent store operation.
//
// uids and tags must not contain '@', which separates key segments.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/turtacn/pushgate/pkg/storage"
)

const (
	ownerPrefix     = "user@"
	tagMarkerPrefix = "room@"
	tagIndexPrefix  = "tag@"
	deliveredPrefix = "msg@"
)

// Store is the presence contract the gateway depends on.
type Store interface {
	SetOwner(ctx context.Context, uid, connID string) error
	// Owner returns the owning connection id, or "" when uid has no owner.
	Owner(ctx context.Context, uid string) (string, error)
	ClearOwner(ctx context.Context, uid string) error

	SetTagMarker(ctx context.Context, tag, uid string) error
	ClearTagMarker(ctx context.Context, tag, uid string) error
	TagsForUID(ctx context.Context, uid string) ([]string, error)

	TrackTag(ctx context.Context, tag, uid string) error
	UntrackTag(ctx context.Context, tag, uid string) error
	TagMembers(ctx context.Context, tag string) ([]string, error)

	MarkDelivered(ctx context.Context, messageID, uid string) error
	IsDelivered(ctx context.Context, messageID, uid string) (bool, error)
	ClearDelivered(ctx context.Context, messageID, uid string) error
	ListDelivered(ctx context.Context, messageID string) ([]string, error)
	ClearAllDelivered(ctx context.Context, messageID string) error
}

// KVStore implements Store on any storage.Store.
type KVStore struct {
	kv           storage.Store
	prefix       string
	deliveredTTL time.Duration
}

// New creates a KVStore. Every key is prefixed with prefix. Delivered markers
// expire after deliveredTTL so that markers nobody confirms do not pile up;
// zero disables expiry.
func New(kv storage.Store, prefix string, deliveredTTL time.Duration) *KVStore {
	return &KVStore{kv: kv, prefix: prefix, deliveredTTL: deliveredTTL}
}

func (s *KVStore) ownerKey(uid string) string {
	return s.prefix + ownerPrefix + uid
}

func (s *KVStore) tagMarkerKey(uid, tag string) string {
	return s.prefix + tagMarkerPrefix + uid + "@" + tag
}

func (s *KVStore) tagIndexKey(tag, uid string) string {
	return s.prefix + tagIndexPrefix + tag + "@" + uid
}

func (s *KVStore) deliveredKey(messageID, uid string) string {
	return s.prefix + deliveredPrefix + messageID + "@" + uid
}

// SetOwner records connID as the authoritative connection for uid,
// overwriting any previous owner.
func (s *KVStore) SetOwner(ctx context.Context, uid, connID string) error {
	return s.kv.Set(ctx, s.ownerKey(uid), connID, 0)
}

// Owner returns the connection currently owning uid.
func (s *KVStore) Owner(ctx context.Context, uid string) (string, error) {
	connID, err := s.kv.Get(ctx, s.ownerKey(uid))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return connID, err
}

// ClearOwner removes the ownership entry for uid.
func (s *KVStore) ClearOwner(ctx context.Context, uid string) error {
	return s.kv.Delete(ctx, s.ownerKey(uid))
}

// SetTagMarker durably records that uid belongs to tag.
func (s *KVStore) SetTagMarker(ctx context.Context, tag, uid string) error {
	return s.kv.Set(ctx, s.tagMarkerKey(uid, tag), "", 0)
}

// ClearTagMarker removes the durable membership of uid in tag.
func (s *KVStore) ClearTagMarker(ctx context.Context, tag, uid string) error {
	return s.kv.Delete(ctx, s.tagMarkerKey(uid, tag))
}

// TagsForUID returns the durable tags of uid, sorted.
func (s *KVStore) TagsForUID(ctx context.Context, uid string) ([]string, error) {
	return s.suffixes(ctx, s.prefix+tagMarkerPrefix+uid+"@")
}

// TrackTag adds uid to the online member index of tag.
func (s *KVStore) TrackTag(ctx context.Context, tag, uid string) error {
	return s.kv.Set(ctx, s.tagIndexKey(tag, uid), "", 0)
}

// UntrackTag removes uid from the online member index of tag.
func (s *KVStore) UntrackTag(ctx context.Context, tag, uid string) error {
	return s.kv.Delete(ctx, s.tagIndexKey(tag, uid))
}

// TagMembers returns the uids currently online in tag, sorted.
func (s *KVStore) TagMembers(ctx context.Context, tag string) ([]string, error) {
	return s.suffixes(ctx, s.prefix+tagIndexPrefix+tag+"@")
}

// MarkDelivered records that uid acknowledged messageID.
func (s *KVStore) MarkDelivered(ctx context.Context, messageID, uid string) error {
	return s.kv.Set(ctx, s.deliveredKey(messageID, uid), "", s.deliveredTTL)
}

// IsDelivered reports whether uid acknowledged messageID.
func (s *KVStore) IsDelivered(ctx context.Context, messageID, uid string) (bool, error) {
	return s.kv.Exists(ctx, s.deliveredKey(messageID, uid))
}

// ClearDelivered removes one delivered marker.
func (s *KVStore) ClearDelivered(ctx context.Context, messageID, uid string) error {
	return s.kv.Delete(ctx, s.deliveredKey(messageID, uid))
}

// ListDelivered returns every uid that acknowledged messageID, sorted.
func (s *KVStore) ListDelivered(ctx context.Context, messageID string) ([]string, error) {
	return s.suffixes(ctx, s.prefix+deliveredPrefix+messageID+"@")
}

// ClearAllDelivered removes every delivered marker of messageID.
func (s *KVStore) ClearAllDelivered(ctx context.Context, messageID string) error {
	uids, err := s.ListDelivered(ctx, messageID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(uids))
	for _, uid := range uids {
		keys = append(keys, s.deliveredKey(messageID, uid))
	}
	return s.kv.Delete(ctx, keys...)
}

// suffixes lists the keys under prefix and returns what follows the prefix.
// Keys whose remainder still contains the '@' separator belong to a longer
// id sharing the same prefix and are skipped.
func (s *KVStore) suffixes(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" || strings.Contains(rest, "@") {
			continue
		}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out, nil
}
