package stores

import (
	"os"

	"github.com/sirupsen/logrus"

	"slidesync-server/core"
	"slidesync-server/stores/memory"
	"slidesync-server/stores/postgres"
	"slidesync-server/stores/sqlite"
)

func GetStore() core.Store {
	storageType := os.Getenv("STORAGE_TYPE")
	var store core.Store

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "slidesync.db"
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	case "postgres":
		databaseURL := os.Getenv("DATABASE_URL")
		if databaseURL == "" {
			logrus.Fatal("DATABASE_URL environment variable must be set for postgres storage type")
		}
		// The URL carries credentials.
		storageField["databaseURLSet"] = true
		store = postgres.NewStore(databaseURL)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}
