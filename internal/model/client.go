package model

const DefaultTimezone = "UTC"

type Client struct {
	ID                 int64  `json:"id"`
	PhoneNumber        string `json:"phone_number"`
	MobileOperatorCode string `json:"mobile_operator_code"`
	Tag                string `json:"tag"`
	Timezone           string `json:"timezone"`
}
