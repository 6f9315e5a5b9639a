// Package contacts implements the phone-book sync engine: a pure diff
// stage, a batch apply stage and a batched remote validation stage,
// gated by a fingerprint over the phone-book's normalized number set.
package contacts

import (
	"github.com/courier-chat/courier/internal/phone"
	"github.com/courier-chat/courier/internal/store"
)

// PhoneContact is one raw entry from the device phone book.
type PhoneContact struct {
	Name        string
	PhoneNo     string
	Description string
	Photo       string
}

// Plan is the computed delta between the phone book and the local
// contact store. All contact slices carry normalized phone keys.
type Plan struct {
	ToRemove   []string        // phone keys of local rows to delete
	ToAdd      []store.Contact
	ToUpdate   []store.Contact
	ToValidate []store.Contact // candidates for remote registration lookup
}

// Empty reports whether the plan has no local work and no candidates.
func (p Plan) Empty() bool {
	return len(p.ToRemove) == 0 && len(p.ToAdd) == 0 &&
		len(p.ToUpdate) == 0 && len(p.ToValidate) == 0
}

// BuildSyncPlan diffs the phone book against the local store. Both
// sides are grouped by normalized phone key, so formatting and the
// leading international prefix never split one subscriber into two
// contacts. Unregistered local rows absent from the phone book are
// removed; registered rows are never silently removed, they may have
// arrived through remote discovery rather than the phone book. Every
// phone-book entry not yet known registered is a validation candidate,
// so a candidate whose earlier validation failed is offered again on
// the next sync; the fingerprint gate, not the plan, is what bounds
// remote calls for an unchanged set.
func BuildSyncPlan(phoneBook []PhoneContact, local []store.Contact) Plan {
	byKey := make(map[string]*store.Contact, len(local))
	for i := range local {
		byKey[local[i].PhoneKey] = &local[i]
	}

	var plan Plan
	seen := make(map[string]bool, len(phoneBook))
	for _, pc := range phoneBook {
		key := phone.NormalizeKey(pc.PhoneNo)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		existing, ok := byKey[key]
		if !ok {
			c := store.Contact{
				Name:        pc.Name,
				PhoneNo:     pc.PhoneNo,
				PhoneKey:    key,
				Description: pc.Description,
				Photo:       pc.Photo,
			}
			plan.ToAdd = append(plan.ToAdd, c)
			plan.ToValidate = append(plan.ToValidate, c)
			continue
		}
		c := *existing
		if displayChanged(pc, *existing) {
			c.Name = pc.Name
			c.PhoneNo = pc.PhoneNo
			c.Description = pc.Description
			c.Photo = pc.Photo
			plan.ToUpdate = append(plan.ToUpdate, c)
		}
		if !existing.IsRegistered {
			plan.ToValidate = append(plan.ToValidate, c)
		}
	}

	for _, lc := range local {
		if !seen[lc.PhoneKey] && !lc.IsRegistered {
			plan.ToRemove = append(plan.ToRemove, lc.PhoneKey)
		}
	}
	return plan
}

func displayChanged(pc PhoneContact, c store.Contact) bool {
	return pc.Name != c.Name ||
		(pc.Description != "" && pc.Description != c.Description) ||
		(pc.Photo != "" && pc.Photo != c.Photo)
}
