package ingest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"feedsync/internal/models"
)

type organizationRecord struct {
	OrganizationCode string `mapstructure:"organizationCode" validate:"required,max=64"`
	Name             string `mapstructure:"name" validate:"required,max=200"`
	Status           string `mapstructure:"status" validate:"omitempty,oneof=ACTIVE INACTIVE"`
	ParentCode       string `mapstructure:"parentCode" validate:"omitempty,max=64,nefield=OrganizationCode"`
	SortOrder        string `mapstructure:"sortOrder" validate:"omitempty,numeric"`
}

type employeeRecord struct {
	EmployeeNumber   string `mapstructure:"employeeNumber" validate:"required,max=64"`
	Name             string `mapstructure:"name" validate:"required,max=200"`
	OrganizationCode string `mapstructure:"organizationCode" validate:"required,max=64"`
	Email            string `mapstructure:"email" validate:"omitempty,email"`
	Position         string `mapstructure:"position" validate:"omitempty,max=100"`
	Status           string `mapstructure:"status" validate:"omitempty,oneof=ACTIVE LEAVE RETIRED"`
	HireDate         string `mapstructure:"hireDate" validate:"omitempty,datetime=2006-01-02"`
}

type holidayRecord struct {
	Date        string `mapstructure:"date" validate:"required,datetime=2006-01-02"`
	Name        string `mapstructure:"name" validate:"required,max=200"`
	HolidayType string `mapstructure:"holidayType" validate:"omitempty,oneof=PUBLIC COMPANY SUBSTITUTE"`
}

type codeRecord struct {
	CodeGroup string `mapstructure:"codeGroup" validate:"required,max=64"`
	Code      string `mapstructure:"code" validate:"required,max=64"`
	Name      string `mapstructure:"name" validate:"required,max=200"`
	SortOrder string `mapstructure:"sortOrder" validate:"omitempty,numeric"`
	Active    string `mapstructure:"active" validate:"omitempty,boolean"`
}

// Strategy holds what differs between feed types: the typed record shape and
// how the natural key is derived.
type Strategy struct {
	FeedType models.FeedType
	// newRecord returns a pointer to the typed record validated for this feed.
	newRecord func() any
	key       func(fields map[string]string) string
	fields    []string
}

// Registry maps feed types to strategies.
type Registry map[models.FeedType]Strategy

// DefaultRegistry covers every known feed type.
func DefaultRegistry() Registry {
	return Registry{
		models.FeedOrganization: newStrategy(models.FeedOrganization, func() any { return &organizationRecord{} },
			func(f map[string]string) string { return f["organizationCode"] }),
		models.FeedEmployee: newStrategy(models.FeedEmployee, func() any { return &employeeRecord{} },
			func(f map[string]string) string { return f["employeeNumber"] }),
		models.FeedHoliday: newStrategy(models.FeedHoliday, func() any { return &holidayRecord{} },
			func(f map[string]string) string { return f["date"] }),
		models.FeedCode: newStrategy(models.FeedCode, func() any { return &codeRecord{} },
			func(f map[string]string) string {
				if f["codeGroup"] == "" || f["code"] == "" {
					return ""
				}
				return f["codeGroup"] + ":" + f["code"]
			}),
	}
}

func newStrategy(ft models.FeedType, newRecord func() any, key func(map[string]string) string) Strategy {
	return Strategy{FeedType: ft, newRecord: newRecord, key: key, fields: fieldNames(newRecord())}
}

func fieldNames(rec any) []string {
	t := reflect.TypeOf(rec).Elem()
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		names = append(names, t.Field(i).Tag.Get("mapstructure"))
	}
	return names
}

// Lookup returns the strategy for ft.
func (r Registry) Lookup(ft models.FeedType) (Strategy, error) {
	s, ok := r[ft]
	if !ok {
		return Strategy{}, fmt.Errorf("no ingestion strategy for feed type %q", ft)
	}
	return s, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	return v
}

// Validate checks one raw record. Known fields become the record attributes;
// unknown fields are ignored.
func (s Strategy) Validate(raw models.RawRecord) (models.FeedRecord, *models.ValidationError) {
	fail := func(code, msg string) (models.FeedRecord, *models.ValidationError) {
		return models.FeedRecord{}, &models.ValidationError{
			LineNumber:   raw.LineNumber,
			NaturalKey:   s.key(raw.Fields),
			ErrorCode:    code,
			ErrorMessage: msg,
			RawPayload:   raw.Raw,
		}
	}
	if reason, bad := raw.Fields[malformedField]; bad {
		return fail(models.ErrCodeMalformedRecord, reason)
	}

	typed := s.newRecord()
	if err := mapstructure.Decode(raw.Fields, typed); err != nil {
		return fail(models.ErrCodeMalformedRecord, err.Error())
	}
	if err := validate.Struct(typed); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return fail(models.ErrCodeInvalidValue, err.Error())
		}
		first := verrs[0]
		if first.Tag() == "required" {
			return fail(models.ErrCodeMissingField, fmt.Sprintf("%s is required", first.Field()))
		}
		return fail(models.ErrCodeInvalidValue, describe(first))
	}

	attrs := make(map[string]string, len(s.fields))
	for _, name := range s.fields {
		if v, ok := raw.Fields[name]; ok {
			attrs[name] = v
		}
	}
	return models.FeedRecord{
		FeedType:   s.FeedType,
		LineNumber: raw.LineNumber,
		NaturalKey: s.key(raw.Fields),
		Attributes: attrs,
	}, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value())
	case "datetime":
		return fmt.Sprintf("%s must be a date formatted %s, got %q", fe.Field(), fe.Param(), fe.Value())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", fe.Field(), strings.ToLower(fe.Param()[:1])+fe.Param()[1:])
	default:
		return fmt.Sprintf("%s failed %s validation (value %q)", fe.Field(), fe.Tag(), fe.Value())
	}
}
