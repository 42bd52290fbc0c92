package patient

import "time"

// DefaultName is shown when a patient has no stored profile
const DefaultName = "Usuario"

// Profile is the read model served by the portal and cached in Redis
type Profile struct {
	RUT       string    `json:"rut"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fallback builds the minimal profile for a known account without profile data
func Fallback(rut, email string) Profile {
	return Profile{RUT: rut, Email: email, Name: DefaultName}
}

// Project applies one event to a profile. Events at or below the profile
// version are ignored and reported as not applied.
func Project(p Profile, event *Event) (Profile, bool, error) {
	if event.Version != 0 && event.Version <= p.Version {
		return p, false, nil
	}

	switch event.EventType {
	case EventPatientRegistered:
		var data RegisteredData
		if err := event.Decode(&data); err != nil {
			return p, false, err
		}
		p.RUT = data.RUT
		p.Email = data.Email
		p.Name = data.Name
		p.Phone = data.Phone
		p.Address = data.Address
	case EventPatientContactUpdated:
		var data ContactUpdatedData
		if err := event.Decode(&data); err != nil {
			return p, false, err
		}
		if p.RUT == "" {
			p.RUT = data.RUT
		}
		p.Phone = data.Phone
		p.Address = data.Address
	default:
		return p, false, nil
	}

	if p.Name == "" {
		p.Name = DefaultName
	}
	if event.Version != 0 {
		p.Version = event.Version
	} else {
		p.Version++
	}
	p.UpdatedAt = event.Timestamp
	return p, true, nil
}
