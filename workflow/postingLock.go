package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireStatementPostingLock serializes statement finalization per reference across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the finalize transaction.
func AcquireStatementPostingLock(tx *gorm.DB, reference string) error {
	lockName := fmt.Sprintf("statement_posting:%s", reference)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for statement=%s", reference)
	}
	return nil
}

func ReleaseStatementPostingLock(tx *gorm.DB, reference string) {
	lockName := fmt.Sprintf("statement_posting:%s", reference)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
