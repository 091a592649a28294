package service

import "context"

func (h *Service) GetSetting(ctx context.Context, key string) (string, bool, error) {
	return h.settingStore.GetSetting(ctx, key)
}

func (h *Service) SetSetting(ctx context.Context, key, value string) error {
	return h.settingStore.SetSetting(ctx, key, value)
}

// CleanupExpiredOperations purges idempotency records past their TTL and
// returns how many were removed.
func (h *Service) CleanupExpiredOperations(ctx context.Context) (int64, error) {
	return h.operationStore.CleanupExpired(ctx)
}
