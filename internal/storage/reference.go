package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"evalgo.org/metalpool/models"
)

func zoneKey(name string) string   { return "zone:" + name }
func tagKey(name string) string    { return "tag:" + name }
func fabricKey(name string) string { return "fabric:" + name }
func subnetKey(name string) string { return "subnet:" + name }
func rackKey(id string) string     { return "rack:" + id }

// create stores v under key unless the key is taken.
func (s *Storage) create(ctx context.Context, key string, v interface{}) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		taken, err := exists(txn, key)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
		}
		return setJSON(txn, key, v)
	})
}

func (s *Storage) get(key string, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key, out)
	})
}

func (s *Storage) remove(ctx context.Context, key string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return txn.Delete([]byte(key))
	})
}

// missing returns the names with no record under prefix+name, in input order.
func (s *Storage) missing(prefix string, names []string) ([]string, error) {
	var absent []string
	err := s.db.View(func(txn *badger.Txn) error {
		for _, name := range names {
			ok, err := exists(txn, prefix+name)
			if err != nil {
				return err
			}
			if !ok {
				absent = append(absent, name)
			}
		}
		return nil
	})
	return absent, err
}

func list[T any](s *Storage, prefix string) ([]*T, error) {
	var out []*T
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(v []byte) error {
			item := new(T)
			if err := json.Unmarshal(v, item); err != nil {
				return err
			}
			out = append(out, item)
			return nil
		})
	})
	return out, err
}

// CreateZone stores a new zone.
func (s *Storage) CreateZone(ctx context.Context, z *models.Zone) error {
	if z.Name == "" {
		return fmt.Errorf("zone name is required")
	}
	z.Created = s.now()
	return s.create(ctx, zoneKey(z.Name), z)
}

// GetZone returns the named zone.
func (s *Storage) GetZone(ctx context.Context, name string) (*models.Zone, error) {
	var z models.Zone
	if err := s.get(zoneKey(name), &z); err != nil {
		return nil, err
	}
	return &z, nil
}

// ListZones returns all zones ordered by name.
func (s *Storage) ListZones(ctx context.Context) ([]*models.Zone, error) {
	zones, err := list[models.Zone](s, "zone:")
	if err != nil {
		return nil, err
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].Name < zones[j].Name })
	return zones, nil
}

// DeleteZone removes a zone. The default zone and zones that still hold
// machines cannot be deleted.
func (s *Storage) DeleteZone(ctx context.Context, name string) error {
	if name == models.DefaultZone {
		return fmt.Errorf("the default zone cannot be deleted: %w", ErrPreconditionFailed)
	}
	inUse, err := s.ListMachines(ctx, MachineFilter{Zone: name})
	if err != nil {
		return err
	}
	if len(inUse) > 0 {
		return fmt.Errorf("zone %s still holds %d machine(s): %w", name, len(inUse), ErrPreconditionFailed)
	}
	return s.remove(ctx, zoneKey(name))
}

// MissingZones returns the given zone names that do not exist.
func (s *Storage) MissingZones(ctx context.Context, names []string) ([]string, error) {
	return s.missing("zone:", names)
}

// CreateTag stores a new tag.
func (s *Storage) CreateTag(ctx context.Context, t *models.Tag) error {
	if t.Name == "" {
		return fmt.Errorf("tag name is required")
	}
	t.Created = s.now()
	return s.create(ctx, tagKey(t.Name), t)
}

// ListTags returns all tags ordered by name.
func (s *Storage) ListTags(ctx context.Context) ([]*models.Tag, error) {
	tags, err := list[models.Tag](s, "tag:")
	if err != nil {
		return nil, err
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

// DeleteTag removes a tag definition. Machines keep the name in their tag set.
func (s *Storage) DeleteTag(ctx context.Context, name string) error {
	return s.remove(ctx, tagKey(name))
}

// MissingTags returns the given tag names that do not exist.
func (s *Storage) MissingTags(ctx context.Context, names []string) ([]string, error) {
	return s.missing("tag:", names)
}

// CreateFabric stores a new fabric.
func (s *Storage) CreateFabric(ctx context.Context, f *models.Fabric) error {
	if f.Name == "" {
		return fmt.Errorf("fabric name is required")
	}
	f.Created = s.now()
	return s.create(ctx, fabricKey(f.Name), f)
}

// ListFabrics returns all fabrics ordered by name.
func (s *Storage) ListFabrics(ctx context.Context) ([]*models.Fabric, error) {
	fabrics, err := list[models.Fabric](s, "fabric:")
	if err != nil {
		return nil, err
	}
	sort.Slice(fabrics, func(i, j int) bool { return fabrics[i].Name < fabrics[j].Name })
	return fabrics, nil
}

// DeleteFabric removes a fabric.
func (s *Storage) DeleteFabric(ctx context.Context, name string) error {
	return s.remove(ctx, fabricKey(name))
}

// CreateSubnet stores a new subnet.
func (s *Storage) CreateSubnet(ctx context.Context, sn *models.Subnet) error {
	if sn.Name == "" {
		return fmt.Errorf("subnet name is required")
	}
	sn.Created = s.now()
	return s.create(ctx, subnetKey(sn.Name), sn)
}

// ListSubnets returns all subnets ordered by name.
func (s *Storage) ListSubnets(ctx context.Context) ([]*models.Subnet, error) {
	subnets, err := list[models.Subnet](s, "subnet:")
	if err != nil {
		return nil, err
	}
	sort.Slice(subnets, func(i, j int) bool { return subnets[i].Name < subnets[j].Name })
	return subnets, nil
}

// DeleteSubnet removes a subnet.
func (s *Storage) DeleteSubnet(ctx context.Context, name string) error {
	return s.remove(ctx, subnetKey(name))
}

// MissingSubnets returns the given subnet names that do not exist.
func (s *Storage) MissingSubnets(ctx context.Context, names []string) ([]string, error) {
	return s.missing("subnet:", names)
}

// SaveRackController creates or replaces a rack controller record.
func (s *Storage) SaveRackController(ctx context.Context, rc *models.RackController) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, rackKey(rc.ID), rc)
	})
}

// ListRackControllers returns all known rack controllers ordered by id.
func (s *Storage) ListRackControllers(ctx context.Context) ([]*models.RackController, error) {
	racks, err := list[models.RackController](s, "rack:")
	if err != nil {
		return nil, err
	}
	sort.Slice(racks, func(i, j int) bool { return racks[i].ID < racks[j].ID })
	return racks, nil
}
