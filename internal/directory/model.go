package directory

import (
	"time"

	"github.com/google/uuid"
)

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Specialty *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	Locale    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact returns the notification recipient for the patient.
func (p *Patient) Contact() (email, phone string) {
	if p.Email != nil {
		email = *p.Email
	}
	if p.Phone != nil {
		phone = *p.Phone
	}
	return email, phone
}
