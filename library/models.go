package library

import "time"

// Book is a catalog title. Quantity is the number of copies still available
// to lend and is only ever decremented by a successful issuance.
type Book struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	Publisher *string   `json:"publisher,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Kind selects one of the two classification tables linked to books.
type Kind string

const (
	KindAuthor Kind = "author"
	KindGenre  Kind = "genre"
)

func (k Kind) Valid() bool { return k == KindAuthor || k == KindGenre }

// Classification is an Author or Genre row. Name is stored normalized.
type Classification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// User is a registered borrower.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Librarian issues books. OrgEmail is generated on registration and is the
// principal identity carried by session tokens.
type Librarian struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	OrgEmail     string    `json:"orgEmail"`
	PasswordHash string    `json:"-"` // never cached or serialized
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Lending is the book_users link: an outstanding loan of BookID to UserID.
type Lending struct {
	BookID   string    `json:"bookId"`
	UserID   string    `json:"userId"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Issuance is the book_librarians link attributing a book to its issuer.
type Issuance struct {
	BookID      string    `json:"bookId"`
	LibrarianID string    `json:"librarianId"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// LendingState reports which halves of an issuance exist for a pair.
// Completed is set once some call has reported the pair as issued.
type LendingState struct {
	Linked    bool
	Debited   bool
	Completed bool
	Link      *Lending
}

// NewBook is the input of LibraryManager.AddBook.
type NewBook struct {
	Name      string   `json:"name" validate:"required,max=256"`
	Quantity  int      `json:"quantity" validate:"gte=0"`
	Publisher *string  `json:"publisher,omitempty" validate:"omitempty,max=128"`
	Authors   []string `json:"authors"`
	Genres    []string `json:"genres"`
}

// NewUser is the input of LibraryManager.AddUser.
type NewUser struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email,max=128"`
}

// NewLibrarian is the input of LibraryManager.AddLibrarian.
type NewLibrarian struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=128"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}
