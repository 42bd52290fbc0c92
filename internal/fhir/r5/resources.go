package r5

import (
	"strconv"
	"strings"

	"github.com/cesfam/portal/internal/domain/patient"
	"github.com/cesfam/portal/pkg/rut"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Meta                 *Meta                  `json:"meta,omitempty"`
	Identifier           []Identifier           `json:"identifier,omitempty"`
	Active               bool                   `json:"active,omitempty"`
	Name                 []HumanName            `json:"name,omitempty"`
	Telecom              []ContactPoint         `json:"telecom,omitempty"`
	Address              []Address              `json:"address,omitempty"`
	Communication        []PatientCommunication `json:"communication,omitempty"`
	ManagingOrganization *Reference             `json:"managingOrganization,omitempty"`
}

// PatientCommunication represents a patient's preferred language.
type PatientCommunication struct {
	Language  CodeableConcept `json:"language"`
	Preferred bool            `json:"preferred,omitempty"`
}

// PatientFromProfile builds the FHIR view of a portal profile. The RUT is
// exported as the official identifier in dotted form.
func PatientFromProfile(p patient.Profile, organization string) *Patient {
	res := &Patient{
		ResourceType: "Patient",
		ID:           p.RUT,
		Identifier: []Identifier{{
			Use: "official",
			Type: &CodeableConcept{
				Coding: []Coding{{System: SystemIdentifierType, Code: "NI", Display: "National unique individual identifier"}},
				Text:   "RUN",
			},
			System: SystemRUN,
			Value:  formatRUT(p.RUT),
		}},
		Active: true,
		Name:   []HumanName{humanName(p.Name)},
		Communication: []PatientCommunication{{
			Language:  CodeableConcept{Coding: []Coding{{System: SystemLanguage, Code: "es-CL", Display: "Español (Chile)"}}},
			Preferred: true,
		}},
	}

	if p.Version > 0 {
		res.Meta = &Meta{VersionID: strconv.Itoa(p.Version), LastUpdated: p.UpdatedAt}
	}
	if p.Email != "" {
		res.Telecom = append(res.Telecom, ContactPoint{System: "email", Value: p.Email, Use: "home", Rank: 1})
	}
	if p.Phone != "" {
		res.Telecom = append(res.Telecom, ContactPoint{System: "phone", Value: p.Phone, Use: "mobile", Rank: 2})
	}
	if strings.TrimSpace(p.Address) != "" {
		res.Address = []Address{{Use: "home", Type: "physical", Text: p.Address, Country: "CL"}}
	}
	if organization != "" {
		res.ManagingOrganization = &Reference{Display: organization}
	}
	return res
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

// GetRUT returns the normalized RUT from the official identifier.
func (p *Patient) GetRUT() string {
	for _, id := range p.Identifier {
		if id.System == SystemRUN {
			return rut.Normalize(id.Value)
		}
	}
	return ""
}

// GetTelecom returns the first contact value for a system.
func (p *Patient) GetTelecom(system string) string {
	for _, t := range p.Telecom {
		if t.System == system {
			return t.Value
		}
	}
	return ""
}

func humanName(full string) HumanName {
	name := HumanName{Use: "official", Text: full}
	// Chilean names: given names then paternal and maternal surnames
	parts := strings.Fields(full)
	switch {
	case len(parts) >= 3:
		name.Given = parts[:len(parts)-2]
		name.Family = strings.Join(parts[len(parts)-2:], " ")
	case len(parts) == 2:
		name.Given = parts[:1]
		name.Family = parts[1]
	}
	return name
}

func formatRUT(normalized string) string {
	if f := rut.Format(normalized); f != "" {
		return f
	}
	return normalized
}
