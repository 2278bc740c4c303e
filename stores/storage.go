package stores

import (
	"os"

	"artflow-server/core"
	"artflow-server/stores/memory"
	"artflow-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// Get selects the history store from the environment.
func Get() core.HistoryStore {
	storageType := os.Getenv("STORAGE_TYPE")
	var store core.HistoryStore

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewHistoryStore(dataSourceName)
	default:
		store = memory.NewHistoryStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store
}
