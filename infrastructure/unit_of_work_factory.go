package infrastructure

import (
	"raffler/database"
	"raffler/domain/interfaces"
	"raffler/repository"
)

// UnitOfWorkFactory creates store transactions that broadcast their events after commit
type UnitOfWorkFactory struct {
	repoFactory interface {
		CreateWithPublisher(publisher interfaces.TransactionalEventPublisher) interfaces.UnitOfWork
	}
	eventPublisher interfaces.EventPublisher
}

// NewUnitOfWorkFactory creates a new UnitOfWorkFactory
func NewUnitOfWorkFactory(db *database.DB, eventPublisher interfaces.EventPublisher) *UnitOfWorkFactory {
	return &UnitOfWorkFactory{
		repoFactory:    repository.NewUnitOfWorkFactory(db),
		eventPublisher: eventPublisher,
	}
}

// Create returns a UnitOfWork with its own transactional publisher
func (f *UnitOfWorkFactory) Create() interfaces.UnitOfWork {
	return f.repoFactory.CreateWithPublisher(NewTransactionalPublisher(f.eventPublisher))
}
