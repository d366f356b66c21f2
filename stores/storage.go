package stores

import (
	"codemonk-server/core"
	"codemonk-server/stores/filesystem"
	"codemonk-server/stores/memory"
	redisstore "codemonk-server/stores/redis"
	"codemonk-server/stores/sqlite"
	"os"

	"github.com/sirupsen/logrus"
)

// GetStore selects the storage backend from the environment.
func GetStore() core.Store {
	storageType := os.Getenv("STORAGE_TYPE")
	var store core.Store

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		if basePath == "" {
			basePath = "./data"
		}
		storageField["basePath"] = basePath
		store = filesystem.NewStore(basePath)
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "codemonk.db"
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}

// GetPresenceStore returns the presence backend: the primary store's own
// presence tables by default, or redis when PRESENCE_STORE=redis. Redis
// enforces the liveness TTL through key expiry instead of read-time
// filtering; observable behavior is the same.
func GetPresenceStore(primary core.Store) core.PresenceStore {
	if os.Getenv("PRESENCE_STORE") != "redis" {
		return primary
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	return redisstore.NewPresenceStore(redisAddr)
}
