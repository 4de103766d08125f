package domain

// Standard column names shared by the table provider contract and every
// phenotype result table.
const (
	ColPersonID    = "PERSON_ID"
	ColBoolean     = "BOOLEAN"
	ColEventDate   = "EVENT_DATE"
	ColValue       = "VALUE"
	ColCode        = "CODE"
	ColCodeType    = "CODE_TYPE"
	ColDateOfBirth = "DATE_OF_BIRTH"
	ColSex         = "SEX"
	ColStartDate   = "START_DATE"
	ColEndDate     = "END_DATE"
	ColIndexDate   = "INDEX_DATE"
)

// Well-known domain (source table) names. Connectors may expose additional
// domains; phenotypes reference domains by name, so the set is open.
const (
	DomainPerson              = "PERSON"
	DomainConditionOccurrence = "CONDITION_OCCURRENCE"
	DomainDrugExposure        = "DRUG_EXPOSURE"
	DomainProcedureOccurrence = "PROCEDURE_OCCURRENCE"
	DomainMeasurement         = "MEASUREMENT"
	DomainVisitOccurrence     = "VISIT_OCCURRENCE"
	DomainObservationPeriod   = "OBSERVATION_PERIOD"
	DomainDeath               = "DEATH"
)
