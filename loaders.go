package dashsync

import "context"

// LoadChat fetches a chat with its messages into the store and registers
// the key for background refetches, so push events and soft invalidation
// keep it current.
func LoadChat(ctx context.Context, store *Store, org *OrgClient, chatID string) (ChatDetail, error) {
	k := ChatKey(org.Slug(), chatID)
	f := func(ctx context.Context) (any, error) {
		d, err := org.Chats.Get(ctx, chatID)
		if err != nil {
			return nil, err
		}
		return *d, nil
	}
	store.Register(k, f)
	v, err := store.Fetch(ctx, k, f)
	if err != nil {
		return ChatDetail{}, err
	}
	return v.(ChatDetail), nil
}

// ReleaseChat drops a chat detail from the store when its view closes. A
// fetch still in flight for it is discarded.
func ReleaseChat(store *Store, org, chatID string) {
	k := ChatKey(org, chatID)
	store.Register(k, nil)
	store.Remove(k)
}

// LoadCall fetches a call with its transcript into the store.
func LoadCall(ctx context.Context, store *Store, org *OrgClient, callID string) (CallDetail, error) {
	k := CallKey(org.Slug(), callID)
	f := func(ctx context.Context) (any, error) {
		d, err := org.Calls.Get(ctx, callID)
		if err != nil {
			return nil, err
		}
		return *d, nil
	}
	store.Register(k, f)
	v, err := store.Fetch(ctx, k, f)
	if err != nil {
		return CallDetail{}, err
	}
	return v.(CallDetail), nil
}
