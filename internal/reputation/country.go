package reputation

import (
	"context"
	"sort"
	"strings"

	"repsheet/internal/store"
)

// CountryStatus reports Marked for a country in the marked set and OK
// otherwise. Countries carry no reason and no other flags.
func (s *Store) CountryStatus(ctx context.Context, code string) (Status, error) {
	code = normalizeCountry(code)
	if code == "" {
		return OK, nil
	}
	if s == nil || s.client == nil {
		return OK, errNilStoreOrBackend
	}

	marked, err := s.client.SIsMember(ctx, MarkedCountriesKey, code).Result()
	if err := store.Wrap("sismember countries", err); err != nil {
		return OK, err
	}
	if marked {
		return Marked, nil
	}
	return OK, nil
}

func (s *Store) MarkCountry(ctx context.Context, code string) error {
	code = normalizeCountry(code)
	if code == "" {
		return ErrInvalidCountry
	}
	return store.Wrap("sadd countries", s.client.SAdd(ctx, MarkedCountriesKey, code).Err())
}

func (s *Store) UnmarkCountry(ctx context.Context, code string) error {
	code = normalizeCountry(code)
	if code == "" {
		return ErrInvalidCountry
	}
	return store.Wrap("srem countries", s.client.SRem(ctx, MarkedCountriesKey, code).Err())
}

func (s *Store) MarkedCountries(ctx context.Context) ([]string, error) {
	codes, err := s.client.SMembers(ctx, MarkedCountriesKey).Result()
	if err := store.Wrap("smembers countries", err); err != nil {
		return nil, err
	}
	sort.Strings(codes)
	return codes, nil
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
