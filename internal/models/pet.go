// Package models provides data model definitions for the pet profile sync engine.
package models

// Pet profile fields.
const (
	FieldPetName    FieldName = "name"
	FieldSpecies    FieldName = "species"
	FieldBreed      FieldName = "breed"
	FieldSex        FieldName = "sex"
	FieldBirthDate  FieldName = "birth_date"
	FieldMicrochip  FieldName = "microchip"
	FieldWeight     FieldName = "weight"
	FieldColor      FieldName = "color"
	FieldAllergies  FieldName = "allergies"
	FieldMedication FieldName = "medications"
	FieldNotes      FieldName = "notes"
	FieldPhoto      FieldName = "photo"
)

// FieldClass groups fields that share a debounce delay.
type FieldClass string

const (
	ClassText    FieldClass = "text"
	ClassNumeric FieldClass = "numeric"
	ClassList    FieldClass = "list"
	ClassBlob    FieldClass = "blob"
)

var petFieldClasses = map[FieldName]FieldClass{
	FieldPetName:    ClassText,
	FieldSpecies:    ClassText,
	FieldBreed:      ClassText,
	FieldSex:        ClassText,
	FieldBirthDate:  ClassText,
	FieldMicrochip:  ClassText,
	FieldWeight:     ClassNumeric,
	FieldColor:      ClassText,
	FieldAllergies:  ClassList,
	FieldMedication: ClassList,
	FieldNotes:      ClassBlob,
	FieldPhoto:      ClassBlob,
}

// ClassOf returns the field class; unknown fields are treated as text.
func ClassOf(field FieldName) FieldClass {
	if class, ok := petFieldClasses[field]; ok {
		return class
	}
	return ClassText
}

// PetFields returns the known pet profile fields.
func PetFields() []FieldName {
	return []FieldName{
		FieldPetName, FieldSpecies, FieldBreed, FieldSex, FieldBirthDate, FieldMicrochip,
		FieldWeight, FieldColor, FieldAllergies, FieldMedication, FieldNotes, FieldPhoto,
	}
}
