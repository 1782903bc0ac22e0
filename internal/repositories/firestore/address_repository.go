package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/bookline/api/internal/domain"
	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/repositories"
)

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository reads user shipping addresses from Firestore.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// Get loads a single address belonging to the given user.
func (r *AddressRepository) Get(ctx context.Context, userID, addressID string) (domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return domain.Address{}, errors.New("address repository: address id is required")
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	return decodeAddressDocument(snap, strings.TrimSpace(userID))
}

// List returns all addresses for the specified user.
func (r *AddressRepository) List(ctx context.Context, userID string) ([]domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return nil, err
	}

	iter := coll.Documents(ctx)
	defer iter.Stop()

	var results []domain.Address
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("addresses.list", err)
		}
		addr, err := decodeAddressDocument(snap, strings.TrimSpace(userID))
		if err != nil {
			return nil, err
		}
		results = append(results, addr)
	}
	return results, nil
}

func (r *AddressRepository) collection(ctx context.Context, userID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("address repository: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(addressCollectionPattern, uid)), nil
}

func decodeAddressDocument(snapshot *firestore.DocumentSnapshot, userID string) (domain.Address, error) {
	var doc addressDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s: %w", snapshot.Ref.ID, err)
	}
	return doc.toDomain(snapshot.Ref.ID, userID), nil
}

type addressDocument struct {
	Name    string `firestore:"name"`
	Phone   string `firestore:"phone"`
	Street  string `firestore:"street"`
	City    string `firestore:"city"`
	State   string `firestore:"state"`
	Pincode string `firestore:"pincode"`
}

func (d addressDocument) toDomain(id, userID string) domain.Address {
	return domain.Address{
		ID:      id,
		UserID:  userID,
		Name:    d.Name,
		Phone:   d.Phone,
		Street:  d.Street,
		City:    d.City,
		State:   d.State,
		Pincode: d.Pincode,
	}
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)
