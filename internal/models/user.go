package models

// User is a raw record as returned by the remote source. ID and Age are pointers
// so a missing field can be told apart from a zero value.
type User struct {
	ID        *int64   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Email     string   `json:"email"`
	Age       *int     `json:"age"`
	Phone     string   `json:"phone,omitempty"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	BirthDate string   `json:"birthDate,omitempty"`
	Image     string   `json:"image,omitempty"`
	Address   *Address `json:"address,omitempty"`
	Company   *Company `json:"company,omitempty"`
	Bank      *Bank    `json:"bank,omitempty"`
	Crypto    *Crypto  `json:"crypto,omitempty"`
}

type Address struct {
	Address     string       `json:"address,omitempty"`
	City        string       `json:"city,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	PostalCode  string       `json:"postalCode,omitempty"`
	State       string       `json:"state,omitempty"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Company struct {
	Address    *Address `json:"address,omitempty"`
	Department string   `json:"department"`
	Name       string   `json:"name,omitempty"`
	Title      string   `json:"title,omitempty"`
}

type Bank struct {
	CardExpire string `json:"cardExpire,omitempty"`
	CardNumber string `json:"cardNumber,omitempty"`
	CardType   string `json:"cardType,omitempty"`
	Currency   string `json:"currency,omitempty"`
	IBAN       string `json:"iban,omitempty"`
}

type Crypto struct {
	Coin    string `json:"coin,omitempty"`
	Wallet  string `json:"wallet,omitempty"`
	Network string `json:"network,omitempty"`
}

// Page is one response from the paginated source. Users are kept raw so they are
// written to the batch file exactly as received.
type Page struct {
	Users []RawRecord `json:"users"`
	Total int         `json:"total"`
	Skip  int         `json:"skip"`
	Limit int         `json:"limit"`
}

// IsLast reports whether the source has no pages after this one.
func (p *Page) IsLast() bool {
	return p.Skip+p.Limit >= p.Total
}
