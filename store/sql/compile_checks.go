package sqlstore

import "github.com/flowsmartly/avatar-worker/core"

var (
	_ core.JobStore               = (*JobStore)(nil)
	_ core.JobStore               = (*CachedJobStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
