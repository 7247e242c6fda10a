package gateway

import (
	"github.com/waitline/waitline/auth"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/hub"
	"github.com/waitline/waitline/queue"
)

// Directory resolves a queue to its shop for city-based authorization.
type Directory interface {
	GetQueue(id string) (*queue.Queue, error)
	GetShop(id string) (*queue.Shop, error)
}

// authorize decides whether the user may subscribe to group.
//
//	queue:<id>          customer in the shop's city, employee of the shop, admin
//	shop_queues:<id>    employee of the shop, admin
//	notifications:<id>  only the user themselves
//
// Anything else is rejected.
func authorize(dir Directory, user *auth.User, group string) error {
	kind, id := hub.ParseGroup(group)
	switch kind {
	case hub.GroupQueue:
		return authorizeQueue(dir, user, id)

	case hub.GroupShopQueues:
		if user.Role == auth.RoleAdmin {
			return nil
		}
		if user.Role == auth.RoleEmployee && user.ShopID == id {
			return nil
		}
		return errors.Wrapf(errors.ErrForbiddenGroup, "shop_queues:%s", id)

	case hub.GroupNotifications:
		if id == user.ID {
			return nil
		}
		return errors.Wrap(errors.ErrForbiddenGroup, "notifications belong to their user")

	default:
		return errors.Wrapf(errors.ErrForbiddenGroup, "unknown group %q", group)
	}
}

func authorizeQueue(dir Directory, user *auth.User, queueID string) error {
	if user.Role == auth.RoleAdmin {
		return nil
	}

	q, err := dir.GetQueue(queueID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return errors.Wrapf(errors.ErrForbiddenGroup, "queue %s", queueID)
		}
		return err
	}

	switch user.Role {
	case auth.RoleEmployee:
		if user.ShopID == q.ShopID {
			return nil
		}
	case auth.RoleCustomer:
		shop, err := dir.GetShop(q.ShopID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return errors.Wrapf(errors.ErrForbiddenGroup, "queue %s", queueID)
			}
			return err
		}
		if shop.City != "" && user.City == shop.City {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrForbiddenGroup, "queue %s", queueID)
}

// authorizeMutation gates the queue mutation messages. Staff operations
// (call_next, mark_serving, mark_served) require an employee of the queue's
// shop or an admin.
func authorizeMutation(user *auth.User, shopID string) error {
	switch user.Role {
	case auth.RoleAdmin:
		return nil
	case auth.RoleEmployee:
		if user.ShopID == shopID {
			return nil
		}
	}
	return errors.Wrap(errors.ErrForbidden, "staff operation")
}
