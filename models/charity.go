package models

// CharityID identifies a beneficiary. The zero value means no charity has
// been chosen.
type CharityID string

const (
	RedCross CharityID = "RED_CROSS"
	WWF      CharityID = "WWF"
	MSF      CharityID = "MSF" // Doctors Without Borders
	WaterOrg CharityID = "WATER_ORG"
)

type Charity struct {
	ID          CharityID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
}

var Charities = []Charity{
	{ID: RedCross, Name: "Red Cross", Description: "Emergency assistance & disaster relief.", Icon: "Heart"},
	{ID: WWF, Name: "WWF", Description: "Wilderness preservation & ecology.", Icon: "Globe"},
	{ID: MSF, Name: "Doctors Without Borders", Description: "Medical aid in conflict zones.", Icon: "Stethoscope"},
	{ID: WaterOrg, Name: "Water.org", Description: "Safe water & sanitation access.", Icon: "Droplets"},
}

// LookupCharity returns the catalogue entry for id.
func LookupCharity(id CharityID) (Charity, bool) {
	for _, c := range Charities {
		if c.ID == id {
			return c, true
		}
	}
	return Charity{}, false
}

// Valid reports whether id is in the catalogue.
func (id CharityID) Valid() bool {
	_, ok := LookupCharity(id)
	return ok
}
